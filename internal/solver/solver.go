package solver

import (
	"cmp"
	"slices"

	"github.com/shopspring/decimal"

	"swpttrade/internal/domain"
	"swpttrade/internal/sharding"
)

// Input is everything the solver reads for one turn.
type Input struct {
	TurnID            int32
	BaseDebtorID      int64
	MaxDistanceToBase int
	MinTradeAmount    int64
	Currencies        []domain.CurrencyInfo
	SellOffers        []domain.SellOffer
	BuyOffers         []domain.BuyOffer
}

type nodeKey struct {
	isCreditor bool
	id         int64
}

func cmpNode(a, b nodeKey) int {
	return cmp.Or(cmpBool(a.isCreditor, b.isCreditor), cmp.Compare(a.id, b.id))
}

func cmpBool(a, b bool) int {
	switch {
	case a == b:
		return 0
	case !a:
		return -1
	default:
		return 1
	}
}

// edge is a sell offer (creditor -> currency) or a buy offer
// (currency -> creditor). Capacity is the remaining offer value in units
// of the base currency.
type edge struct {
	from, to    nodeKey
	creditorID  int64
	debtorID    int64
	collectorID int64
	isSell      bool
	price       decimal.Decimal
	capacity    decimal.Decimal
	amount      int64
	removed     bool
}

func (e *edge) remainingAmount() int64 {
	return e.capacity.Div(e.price).Floor().IntPart()
}

type graph struct {
	out       map[nodeKey][]*edge
	minAmount int64
}

// Solve cancels trade cycles and returns the settlement rows of the turn.
// The result is deterministic for a given input.
func Solve(in Input) *domain.Settlement {
	minAmount := max(in.MinTradeAmount, 2)
	prices := Tradeable(in.BaseDebtorID, in.MaxDistanceToBase, in.Currencies)
	g := &graph{out: map[nodeKey][]*edge{}, minAmount: minAmount}

	sellers := make(map[[2]int64]bool)
	var edges []*edge
	for _, o := range in.SellOffers {
		price, ok := prices[o.DebtorID]
		if !ok || o.Amount < minAmount {
			continue
		}
		sellers[[2]int64{o.CreditorID, o.DebtorID}] = true
		edges = append(edges, &edge{
			from:        nodeKey{isCreditor: true, id: o.CreditorID},
			to:          nodeKey{id: o.DebtorID},
			creditorID:  o.CreditorID,
			debtorID:    o.DebtorID,
			collectorID: o.CollectorID,
			isSell:      true,
			price:       price,
			capacity:    decimal.NewFromInt(o.Amount).Mul(price),
		})
	}
	for _, o := range in.BuyOffers {
		price, ok := prices[o.DebtorID]
		if !ok || o.Amount < minAmount || sellers[[2]int64{o.CreditorID, o.DebtorID}] {
			continue
		}
		edges = append(edges, &edge{
			from:       nodeKey{id: o.DebtorID},
			to:         nodeKey{isCreditor: true, id: o.CreditorID},
			creditorID: o.CreditorID,
			debtorID:   o.DebtorID,
			price:      price,
			capacity:   decimal.NewFromInt(o.Amount).Mul(price),
		})
	}
	for _, e := range edges {
		g.out[e.from] = append(g.out[e.from], e)
	}
	for n := range g.out {
		slices.SortFunc(g.out[n], func(a, b *edge) int { return cmpNode(a.to, b.to) })
	}

	var currencies []nodeKey
	for n := range g.out {
		if !n.isCreditor {
			currencies = append(currencies, n)
		}
	}
	slices.SortFunc(currencies, cmpNode)

	for _, start := range currencies {
		for {
			cycle := g.findCycle(start)
			if cycle == nil {
				break
			}
			g.cancel(cycle)
		}
	}

	return buildSettlement(in.TurnID, edges)
}

// findCycle returns a cycle through start, or nil when there is none.
func (g *graph) findCycle(start nodeKey) []*edge {
	visited := map[nodeKey]bool{start: true}
	var path []*edge

	var dfs func(n nodeKey) bool
	dfs = func(n nodeKey) bool {
		for _, e := range g.out[n] {
			if e.removed {
				continue
			}
			if e.to == start {
				path = append(path, e)
				return true
			}
			if visited[e.to] {
				continue
			}
			visited[e.to] = true
			path = append(path, e)
			if dfs(e.to) {
				return true
			}
			path = path[:len(path)-1]
		}
		return false
	}

	if dfs(start) {
		return path
	}
	return nil
}

// cancel moves the cycle's bottleneck value along every edge. Each call
// removes at least one edge, so the search terminates.
func (g *graph) cancel(cycle []*edge) {
	bottleneck := cycle[0]
	for _, e := range cycle[1:] {
		if e.capacity.LessThan(bottleneck.capacity) {
			bottleneck = e
		}
	}
	value := bottleneck.capacity

	amounts := make([]int64, len(cycle))
	for i, e := range cycle {
		amounts[i] = value.Div(e.price).Floor().IntPart()
		if amounts[i] < g.minAmount {
			bottleneck.removed = true
			return
		}
	}

	for i, e := range cycle {
		e.amount += amounts[i]
		e.capacity = e.capacity.Sub(value)
		if e.remainingAmount() < g.minAmount {
			e.removed = true
		}
	}
	bottleneck.removed = true
}

func buildSettlement(turnID int32, edges []*edge) *domain.Settlement {
	s := &domain.Settlement{}

	collected := map[int64]map[int64]int64{}
	type giving struct {
		creditorID, amount int64
	}
	givings := map[int64][]giving{}

	for _, e := range edges {
		if e.amount <= 0 {
			continue
		}
		if e.isSell {
			s.Takings = append(s.Takings, domain.CreditorTaking{
				TurnID:       turnID,
				CreditorID:   e.creditorID,
				DebtorID:     e.debtorID,
				CreditorHash: sharding.CalcHash(e.creditorID),
				Amount:       e.amount,
				CollectorID:  e.collectorID,
			})
			s.Collectings = append(s.Collectings, domain.CollectorCollecting{
				TurnID:        turnID,
				DebtorID:      e.debtorID,
				CreditorID:    e.creditorID,
				Amount:        e.amount,
				CollectorID:   e.collectorID,
				CollectorHash: sharding.CalcHash(e.collectorID),
			})
			if collected[e.debtorID] == nil {
				collected[e.debtorID] = map[int64]int64{}
			}
			collected[e.debtorID][e.collectorID] += e.amount
		} else {
			givings[e.debtorID] = append(givings[e.debtorID], giving{e.creditorID, e.amount})
		}
	}

	debtors := make([]int64, 0, len(givings))
	for d := range givings {
		debtors = append(debtors, d)
	}
	slices.Sort(debtors)

	for _, debtorID := range debtors {
		balance := collected[debtorID]
		gs := givings[debtorID]
		slices.SortFunc(gs, func(a, b giving) int { return cmp.Compare(a.creditorID, b.creditorID) })

		for _, g := range gs {
			collectorID := richestCollector(balance)
			balance[collectorID] -= g.amount
			s.Givings = append(s.Givings, domain.CreditorGiving{
				TurnID:       turnID,
				CreditorID:   g.creditorID,
				DebtorID:     debtorID,
				CreditorHash: sharding.CalcHash(g.creditorID),
				Amount:       g.amount,
				CollectorID:  collectorID,
			})
			s.Dispatchings = append(s.Dispatchings, domain.CollectorDispatching{
				TurnID:        turnID,
				DebtorID:      debtorID,
				CreditorID:    g.creditorID,
				Amount:        g.amount,
				CollectorID:   collectorID,
				CollectorHash: sharding.CalcHash(collectorID),
			})
		}

		s.Sendings, s.Receivings = balanceCollectors(turnID, debtorID, balance, s.Sendings, s.Receivings)
	}
	return s
}

// richestCollector picks the collector with the largest remaining balance,
// preferring the smaller id on ties.
func richestCollector(balance map[int64]int64) int64 {
	var best int64
	found := false
	for id, amount := range balance {
		if !found || amount > balance[best] || (amount == balance[best] && id < best) {
			best, found = id, true
		}
	}
	return best
}

// balanceCollectors moves surpluses to deficits in collector id order.
func balanceCollectors(
	turnID int32,
	debtorID int64,
	balance map[int64]int64,
	sendings []domain.CollectorSending,
	receivings []domain.CollectorReceiving,
) ([]domain.CollectorSending, []domain.CollectorReceiving) {
	ids := make([]int64, 0, len(balance))
	for id := range balance {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	var surplus, deficit []int64
	for _, id := range ids {
		switch {
		case balance[id] > 0:
			surplus = append(surplus, id)
		case balance[id] < 0:
			deficit = append(deficit, id)
		}
	}

	i, j := 0, 0
	for i < len(surplus) && j < len(deficit) {
		from, to := surplus[i], deficit[j]
		amount := min(balance[from], -balance[to])
		balance[from] -= amount
		balance[to] += amount

		sendings = append(sendings, domain.CollectorSending{
			TurnID:            turnID,
			DebtorID:          debtorID,
			FromCollectorID:   from,
			ToCollectorID:     to,
			FromCollectorHash: sharding.CalcHash(from),
			Amount:            amount,
		})
		receivings = append(receivings, domain.CollectorReceiving{
			TurnID:          turnID,
			DebtorID:        debtorID,
			ToCollectorID:   to,
			FromCollectorID: from,
			ToCollectorHash: sharding.CalcHash(to),
			Amount:          amount,
		})

		if balance[from] == 0 {
			i++
		}
		if balance[to] == 0 {
			j++
		}
	}
	return sendings, receivings
}
