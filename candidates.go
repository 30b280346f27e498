package main

import (
	"context"
	"math"
	"math/rand"
	"sort"
)

// Candidate is a product card on a listing page.
type Candidate struct {
	ID   ProductID
	URL  string
	Rect Rect
}

type CandidateFinder struct {
	page      Page
	store     StateStore
	waiter    *Waiter
	rand      *rand.Rand
	window    int
	tolerance float64
	settle    settleFunc
	log       *Logger
}

type settleFunc func(ctx context.Context) error

func NewCandidateFinder(cfg *Config, page Page, store StateStore, rnd *rand.Rand, log *Logger) *CandidateFinder {
	settle := cfg.settleDelay()
	return &CandidateFinder{
		page:      page,
		store:     store,
		waiter:    NewWaiter(cfg.waitPolicy(), log),
		rand:      rnd,
		window:    cfg.CandidateWindow,
		tolerance: float64(cfg.RowTolerancePx),
		settle:    func(ctx context.Context) error { return sleepCtx(ctx, settle) },
		log:       log,
	}
}

// WaitForListing waits until the listing shows more than one card. A page
// with zero or one card has not finished loading.
func (f *CandidateFinder) WaitForListing(ctx context.Context) ([]Candidate, error) {
	snap, err := snapshotWhen(ctx, f.waiter, f.page, "listing cards", func(s *Snapshot) bool {
		return len(collectCards(s)) > 1
	})
	if err != nil {
		return nil, err
	}
	return orderCards(collectCards(snap), f.tolerance), nil
}

// SelectCandidate picks an unprocessed card, revealing more cards once if the
// visible ones are all processed. A nil candidate means the listing is exhausted.
func (f *CandidateFinder) SelectCandidate(ctx context.Context) (*Candidate, error) {
	for round := 0; round < 2; round++ {
		snap, err := f.page.Snapshot(ctx)
		if err != nil {
			return nil, err
		}
		cards := orderCards(collectCards(snap), f.tolerance)

		c, err := f.pick(ctx, cards)
		if err != nil || c != nil {
			return c, err
		}

		if round == 0 {
			f.log.Infof("All %d visible candidates processed, loading more", len(cards))
			if err := f.page.ScrollToBottom(ctx); err != nil {
				f.log.Warnf("Failed to scroll listing: %v", err)
			}
			if err := f.settle(ctx); err != nil {
				return nil, err
			}
		}
	}
	return nil, nil
}

// pick starts at a random card within the window, scans forward to the end
// and then backward from just before the start.
func (f *CandidateFinder) pick(ctx context.Context, cards []Candidate) (*Candidate, error) {
	n := len(cards)
	if n == 0 {
		return nil, nil
	}
	window := f.window
	if window <= 0 || window > n {
		window = n
	}
	start := f.rand.Intn(window)

	try := func(i int) (*Candidate, error) {
		done, err := f.store.IsProcessed(ctx, cards[i].ID)
		if err != nil || done {
			return nil, err
		}
		c := cards[i]
		return &c, nil
	}

	for i := start; i < n; i++ {
		if c, err := try(i); err != nil || c != nil {
			return c, err
		}
	}
	for i := start - 1; i >= 0; i-- {
		if c, err := try(i); err != nil || c != nil {
			return c, err
		}
	}
	return nil, nil
}

// collectCards returns one card per product, the first link seen for it.
func collectCards(snap *Snapshot) []Candidate {
	var cards []Candidate
	seen := make(map[ProductID]bool)
	anchors := snap.Find(func(n *Node) bool { return n.Tag == "a" && n.Style.Visible })
	for _, n := range anchors {
		href := n.Attr("href")
		if Classify(href) != PageProduct {
			continue
		}
		id, ok := ProductIDFromURL(href)
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		cards = append(cards, Candidate{ID: id, URL: href, Rect: n.Rect})
	}
	return cards
}

// orderCards sorts row-major. Cards whose top is within tolerance of the
// row's first card share that row.
func orderCards(cards []Candidate, tolerance float64) []Candidate {
	out := append([]Candidate(nil), cards...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Rect.Y < out[j].Rect.Y })

	var ordered []Candidate
	for i := 0; i < len(out); {
		rowY := out[i].Rect.Y
		j := i
		for j < len(out) && math.Abs(out[j].Rect.Y-rowY) <= tolerance {
			j++
		}
		row := out[i:j]
		sort.SliceStable(row, func(a, b int) bool { return row[a].Rect.X < row[b].Rect.X })
		ordered = append(ordered, row...)
		i = j
	}
	return ordered
}
