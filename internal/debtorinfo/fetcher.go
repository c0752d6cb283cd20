package debtorinfo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"swpttrade/internal/domain"
	pkgerrors "swpttrade/pkg/errors"
)

// Fetcher retrieves and parses a debtor info document.
type Fetcher interface {
	FetchDocument(ctx context.Context, iri string) (*domain.DebtorInfoDocument, error)
}

// DocumentMediaType is requested first when fetching documents.
const DocumentMediaType = "application/vnd.swaptacular.coin-info+json"

const maxDocumentBytes = 1 << 20

// StatusError is returned for non-200 responses.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status code %d", e.StatusCode)
}

func (e *StatusError) Unwrap() error { return pkgerrors.ErrFetchFailed }

type HTTPFetcher struct {
	client *http.Client
}

func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{client: &http.Client{Timeout: timeout}}
}

func (f *HTTPFetcher) FetchDocument(ctx context.Context, iri string) (*domain.DebtorInfoDocument, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, iri, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pkgerrors.ErrFetchFailed, err)
	}
	req.Header.Set("Accept", DocumentMediaType+", application/json;q=0.9")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pkgerrors.ErrFetchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{StatusCode: resp.StatusCode}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pkgerrors.ErrFetchFailed, err)
	}
	return ParseDocument(data)
}

type uriRef struct {
	URI string `json:"uri"`
}

type jsonDocument struct {
	IRI                string     `json:"iri"`
	DebtorID           int64      `json:"debtorId"`
	WillNotChangeUntil *time.Time `json:"willNotChangeUntil"`
	Peg                *struct {
		ExchangeRate     float64 `json:"exchangeRate"`
		DebtorIdentity   uriRef  `json:"debtorIdentity"`
		LatestDebtorInfo uriRef  `json:"latestDebtorInfo"`
	} `json:"peg"`
}

// ParseDocument parses a JSON debtor info document. A peg must name its
// debtor as "swpt:<debtor id>".
func ParseDocument(data []byte) (*domain.DebtorInfoDocument, error) {
	var raw jsonDocument
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: invalid document: %v", pkgerrors.ErrFetchFailed, err)
	}
	if raw.IRI == "" {
		return nil, fmt.Errorf("%w: document has no iri", pkgerrors.ErrFetchFailed)
	}

	doc := &domain.DebtorInfoDocument{
		DebtorInfoLocator:  raw.IRI,
		DebtorID:           raw.DebtorID,
		WillNotChangeUntil: raw.WillNotChangeUntil,
	}
	if raw.Peg != nil {
		pegDebtorID, err := parseDebtorURI(raw.Peg.DebtorIdentity.URI)
		if err != nil {
			return nil, err
		}
		if raw.Peg.LatestDebtorInfo.URI == "" || raw.Peg.ExchangeRate < 0 {
			return nil, fmt.Errorf("%w: invalid peg", pkgerrors.ErrFetchFailed)
		}
		locator := raw.Peg.LatestDebtorInfo.URI
		rate := raw.Peg.ExchangeRate
		doc.PegDebtorInfoLocator = &locator
		doc.PegDebtorID = &pegDebtorID
		doc.PegExchangeRate = &rate
	}
	return doc, nil
}

func parseDebtorURI(uri string) (int64, error) {
	s, ok := strings.CutPrefix(uri, "swpt:")
	if !ok {
		return 0, fmt.Errorf("%w: unsupported debtor uri %q", pkgerrors.ErrFetchFailed, uri)
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad debtor uri %q", pkgerrors.ErrFetchFailed, uri)
	}
	return int64(v), nil
}
