package execution

import (
	"sort"
	"sync"
	"time"

	"TradeWarden/internal/model"
)

// Book holds live approval requests: at most one per (account, instrument)
// and each resolvable exactly once.
type Book struct {
	mu    sync.Mutex
	byID  map[string]model.ApprovalRequest
	byKey map[string]string
}

func NewBook() *Book {
	return &Book{byID: map[string]model.ApprovalRequest{}, byKey: map[string]string{}}
}

// Add registers req unless its key already has a live request.
func (b *Book) Add(req model.ApprovalRequest) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, live := b.byKey[req.Key()]; live {
		return ErrApprovalPending
	}
	b.byID[req.CorrelationID] = req
	b.byKey[req.Key()] = req.CorrelationID
	return nil
}

// Take removes and returns the request with id.
func (b *Book) Take(id string) (model.ApprovalRequest, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	req, ok := b.byID[id]
	if !ok {
		return model.ApprovalRequest{}, ErrApprovalNotFound
	}
	b.remove(req)
	return req, nil
}

// TakeExpired removes and returns every request expired at now.
func (b *Book) TakeExpired(now time.Time) []model.ApprovalRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []model.ApprovalRequest
	for _, req := range b.byID {
		if req.Expired(now) {
			out = append(out, req)
		}
	}
	for _, req := range out {
		b.remove(req)
	}
	sortByCreated(out)
	return out
}

// Pending returns the live requests, oldest first.
func (b *Book) Pending() []model.ApprovalRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]model.ApprovalRequest, 0, len(b.byID))
	for _, req := range b.byID {
		out = append(out, req)
	}
	sortByCreated(out)
	return out
}

// Len returns the number of live requests.
func (b *Book) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.byID)
}

func (b *Book) remove(req model.ApprovalRequest) {
	delete(b.byID, req.CorrelationID)
	if b.byKey[req.Key()] == req.CorrelationID {
		delete(b.byKey, req.Key())
	}
}

func sortByCreated(reqs []model.ApprovalRequest) {
	sort.Slice(reqs, func(i, j int) bool {
		if reqs[i].CreatedAt.Equal(reqs[j].CreatedAt) {
			return reqs[i].CorrelationID < reqs[j].CorrelationID
		}
		return reqs[i].CreatedAt.Before(reqs[j].CreatedAt)
	})
}
