package store

import (
	"context"
	"sync"
)

// FakeStore is an in-memory Store used by hub/session/webhook unit tests.
// Not for production use.
type FakeStore struct {
	mu sync.Mutex

	Accounts       map[string]AccountRow
	TopicRelations map[string]map[string]bool // accountID -> topicID -> true
	WebhookTopics  []WebhookTopic
	DeviceTypes    map[string]map[string]bool // accountID -> deviceTypeID -> true
	APIKeys        map[string][2][]byte       // accountID -> [ciphertext, iv]

	Logs []LogEntry
}

// NewFakeStore returns an empty FakeStore ready for test setup.
func NewFakeStore() *FakeStore {
	return &FakeStore{
		Accounts:       make(map[string]AccountRow),
		TopicRelations: make(map[string]map[string]bool),
		DeviceTypes:    make(map[string]map[string]bool),
		APIKeys:        make(map[string][2][]byte),
	}
}

func (f *FakeStore) GetAccount(_ context.Context, accountID string) (*AccountRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.Accounts[accountID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return &a, nil
}

func (f *FakeStore) TopicRelationExists(_ context.Context, accountID, topicID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.TopicRelations[accountID][topicID], nil
}

func (f *FakeStore) DeviceTypeRelationExists(_ context.Context, accountID, deviceTypeID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.DeviceTypes[accountID][deviceTypeID], nil
}

func (f *FakeStore) GetAllTopicRelations(_ context.Context) ([]TopicRelation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []TopicRelation
	for acct, topics := range f.TopicRelations {
		for topic := range topics {
			out = append(out, TopicRelation{TopicID: topic, AccountID: acct})
		}
	}
	return out, nil
}

func (f *FakeStore) GetAllWebhookTopics(_ context.Context) ([]WebhookTopic, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]WebhookTopic, len(f.WebhookTopics))
	copy(out, f.WebhookTopics)
	return out, nil
}

func (f *FakeStore) GetAPIKeyCiphertext(_ context.Context, accountID string) ([]byte, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pair, ok := f.APIKeys[accountID]
	if !ok {
		return nil, nil, ErrAccountNotFound
	}
	return pair[0], pair[1], nil
}

func (f *FakeStore) InsertLog(_ context.Context, entry LogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Logs = append(f.Logs, entry)
	return nil
}

func (f *FakeStore) ListLogs(_ context.Context, accountID string, page, pageSize int) ([]LogEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 10
	}
	var matched []LogEntry
	for i := len(f.Logs) - 1; i >= 0; i-- {
		if f.Logs[i].AccountID == accountID {
			matched = append(matched, f.Logs[i])
		}
	}
	start := (page - 1) * pageSize
	if start >= len(matched) {
		return nil, nil
	}
	end := start + pageSize
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], nil
}

// SetTopicRelation marks accountID as authorized for topicID.
func (f *FakeStore) SetTopicRelation(accountID, topicID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.TopicRelations[accountID] == nil {
		f.TopicRelations[accountID] = make(map[string]bool)
	}
	f.TopicRelations[accountID][topicID] = true
}

// RemoveTopicRelation revokes accountID's authorization for topicID.
func (f *FakeStore) RemoveTopicRelation(accountID, topicID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.TopicRelations[accountID], topicID)
}

var _ Store = (*FakeStore)(nil)
