// internal/service/memstore_test.go
package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	appErrors "github.com/mtaasisi/campaign-engine/internal/errors"
	"github.com/mtaasisi/campaign-engine/internal/model"
	"github.com/mtaasisi/campaign-engine/internal/provider"
	"github.com/mtaasisi/campaign-engine/internal/repository"
)

// memStore is an in-memory stand-in for the Postgres repositories, mirroring
// their guard semantics (lease CAS, pending-only recipient updates, owner
// checks) so service tests exercise realistic store behavior.
type memStore struct {
	mu         sync.Mutex
	campaigns  map[string]*model.Campaign
	recipients map[string][]model.Recipient
	schedules  map[string]time.Time
	events     map[string][]string
	sends      []sendRecord

	now func() time.Time
}

type sendRecord struct {
	ownerID string
	address string
	sentAt  time.Time
}

func newMemStore() *memStore {
	return &memStore{
		campaigns:  make(map[string]*model.Campaign),
		recipients: make(map[string][]model.Recipient),
		schedules:  make(map[string]time.Time),
		events:     make(map[string][]string),
		now:        time.Now,
	}
}

var (
	_ repository.CampaignRepositoryInterface = (*memStore)(nil)
	_ repository.ScheduleRepositoryInterface = (*memStore)(nil)
)

func (m *memStore) Create(_ context.Context, c *model.Campaign, recipients []model.Recipient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.campaigns[c.ID] = &cp
	list := make([]model.Recipient, len(recipients))
	for i, r := range recipients {
		r.CampaignID = c.ID
		r.Position = i
		list[i] = r
	}
	m.recipients[c.ID] = list
	return nil
}

func (m *memStore) GetByID(_ context.Context, id string) (*model.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	cp := *c
	return &cp, nil
}

func (m *memStore) ListCampaigns(_ context.Context, offset, limit int, status string) ([]*model.Campaign, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*model.Campaign
	for _, c := range m.campaigns {
		if status != "" && string(c.Status) != status {
			continue
		}
		cp := *c
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	total := len(all)
	if offset >= len(all) {
		return nil, total, nil
	}
	all = all[offset:]
	if limit < len(all) {
		all = all[:limit]
	}
	return all, total, nil
}

func (m *memStore) SetStatus(_ context.Context, id string, status model.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return appErrors.NewCampaignNotFound(id)
	}
	c.Status = status
	return nil
}

func (m *memStore) Recipients(_ context.Context, campaignID string) ([]model.Recipient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Recipient, len(m.recipients[campaignID]))
	copy(out, m.recipients[campaignID])
	return out, nil
}

func (m *memStore) FailedRecipients(_ context.Context, campaignID string) ([]model.Recipient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Recipient
	for _, r := range m.recipients[campaignID] {
		if r.Status == model.RecipientFailed {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) MarkRecipient(_ context.Context, campaignID string, position int, status model.RecipientStatus, lastError string, attempts int, providerMessageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[campaignID]
	if !ok {
		return appErrors.NewCampaignNotFound(campaignID)
	}
	list := m.recipients[campaignID]
	if position < 0 || position >= len(list) {
		return fmt.Errorf("recipient %d of campaign %s not found", position, campaignID)
	}
	r := &list[position]
	if r.Status != model.RecipientPending {
		return fmt.Errorf("recipient %d of campaign %s is not pending", position, campaignID)
	}
	now := m.now()
	r.Status = status
	r.LastError = lastError
	r.Attempts = attempts
	r.ProviderMessageID = providerMessageID
	r.UpdatedAt = now
	switch status {
	case model.RecipientSent:
		sent := now
		r.SentAt = &sent
		c.Progress.Sent++
		m.sends = append(m.sends, sendRecord{ownerID: c.OwnerID, address: r.Address, sentAt: now})
	case model.RecipientFailed:
		c.Progress.Failed++
	case model.RecipientSkipped:
		c.Progress.Skipped++
	}
	c.Progress.Pending--
	hb := now
	c.HeartbeatAt = &hb
	return nil
}

func (m *memStore) GetStats(_ context.Context, campaignID string) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := map[string]int{}
	for _, r := range m.recipients[campaignID] {
		stats[string(r.Status)]++
	}
	return stats, nil
}

func (m *memStore) AcquireLease(_ context.Context, campaignID, owner string, staleAfter time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[campaignID]
	if !ok {
		return false, nil
	}
	now := m.now()
	startable := c.Status == model.StatusQueued || c.Status == model.StatusScheduled || c.Status == model.StatusPaused
	stale := c.Status == model.StatusRunning && c.HeartbeatAt != nil && now.Sub(*c.HeartbeatAt) > staleAfter
	if !startable && !stale {
		return false, nil
	}
	c.Status = model.StatusRunning
	c.LeaseOwner = owner
	hb := now
	c.HeartbeatAt = &hb
	if c.StartedAt == nil {
		st := now
		c.StartedAt = &st
	}
	return true, nil
}

func (m *memStore) Heartbeat(_ context.Context, campaignID, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[campaignID]
	if ok && c.LeaseOwner == owner && c.Status == model.StatusRunning {
		hb := m.now()
		c.HeartbeatAt = &hb
	}
	return nil
}

func (m *memStore) ReleaseLease(_ context.Context, campaignID, owner string, status model.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[campaignID]
	if !ok || c.LeaseOwner != owner || c.Status != model.StatusRunning {
		return fmt.Errorf("lease on campaign %s no longer held by %s", campaignID, owner)
	}
	c.Status = status
	c.LeaseOwner = ""
	c.HeartbeatAt = nil
	c.PauseRequested = false
	c.CancelRequested = false
	if status.Terminal() {
		done := m.now()
		c.CompletedAt = &done
	}
	if status == model.StatusCompleted {
		c.ExecutionCount++
	}
	return nil
}

func (m *memStore) FindStaleRunning(_ context.Context, olderThan time.Duration) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var ids []string
	for id, c := range m.campaigns {
		if c.Status == model.StatusRunning && c.HeartbeatAt != nil && now.Sub(*c.HeartbeatAt) > olderThan {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *memStore) RequestPause(_ context.Context, campaignID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.campaigns[campaignID]; ok && c.Status == model.StatusRunning {
		c.PauseRequested = true
	}
	return nil
}

func (m *memStore) RequestCancel(_ context.Context, campaignID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.campaigns[campaignID]; ok && c.Status == model.StatusRunning {
		c.CancelRequested = true
	}
	return nil
}

func (m *memStore) ControlFlags(_ context.Context, campaignID string) (bool, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[campaignID]
	if !ok {
		return false, false, appErrors.NewCampaignNotFound(campaignID)
	}
	return c.PauseRequested, c.CancelRequested, nil
}

func (m *memStore) ClearPause(_ context.Context, campaignID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[campaignID]
	if !ok {
		return appErrors.NewCampaignNotFound(campaignID)
	}
	c.PauseRequested = false
	if c.Status == model.StatusPaused {
		c.Status = model.StatusQueued
	}
	return nil
}

func (m *memStore) CountSentSince(_ context.Context, ownerID string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, s := range m.sends {
		if s.ownerID == ownerID && !s.sentAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (m *memStore) AccountSendWindow(_ context.Context, ownerID string, since time.Time) (int, *time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	var oldest *time.Time
	for i := range m.sends {
		s := m.sends[i]
		if s.ownerID != ownerID || s.sentAt.Before(since) {
			continue
		}
		count++
		if oldest == nil || s.sentAt.Before(*oldest) {
			t := s.sentAt
			oldest = &t
		}
	}
	return count, oldest, nil
}

func (m *memStore) LastContactedAt(_ context.Context, ownerID, address string) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var last *time.Time
	for i := range m.sends {
		s := m.sends[i]
		if s.ownerID == ownerID && s.address == address {
			if last == nil || s.sentAt.After(*last) {
				t := s.sentAt
				last = &t
			}
		}
	}
	return last, nil
}

func (m *memStore) ResetForRerun(_ context.Context, campaignID string, next time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[campaignID]
	if !ok {
		return appErrors.NewCampaignNotFound(campaignID)
	}
	if !c.Status.Terminal() {
		return fmt.Errorf("campaign %s is not finished, cannot schedule rerun", campaignID)
	}
	list := m.recipients[campaignID]
	for i := range list {
		list[i].Status = model.RecipientPending
		list[i].LastError = ""
		list[i].Attempts = 0
		list[i].ProviderMessageID = ""
		list[i].SentAt = nil
	}
	c.Status = model.StatusScheduled
	c.Progress = model.Progress{Total: c.Progress.Total, Pending: c.Progress.Total}
	n := next
	c.NextExecutionAt = &n
	c.CompletedAt = nil
	return nil
}

func (m *memStore) RecordEvent(_ context.Context, campaignID, kind, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[campaignID] = append(m.events[campaignID], kind)
	return nil
}

// Schedule repository side.

func (m *memStore) Upsert(_ context.Context, entry model.ScheduleEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.schedules[entry.CampaignID] = entry.NextExecutionAt
	return nil
}

func (m *memStore) Due(_ context.Context, now time.Time) ([]model.ScheduleEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.ScheduleEntry
	for id, at := range m.schedules {
		if !at.After(now) {
			out = append(out, model.ScheduleEntry{CampaignID: id, NextExecutionAt: at})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextExecutionAt.Before(out[j].NextExecutionAt) })
	return out, nil
}

func (m *memStore) Remove(_ context.Context, campaignID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.schedules, campaignID)
	return nil
}

// Test helpers.

func (m *memStore) campaignStatus(id string) model.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.campaigns[id].Status
}

func (m *memStore) hasEvent(id, kind string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range m.events[id] {
		if k == kind {
			return true
		}
	}
	return false
}

// fakeProvider records sends and plays back scripted per-address errors in
// order. A nil script entry means success.
type fakeProvider struct {
	mu     sync.Mutex
	script map[string][]error
	calls  []providerCall
	seq    int

	// beforeSend, when set, runs outside the lock before each attempt.
	beforeSend func(address string)
}

type providerCall struct {
	Address string
	Body    string
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{script: make(map[string][]error)}
}

var _ provider.Provider = (*fakeProvider)(nil)

func (f *fakeProvider) failNext(address string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script[address] = append(f.script[address], errs...)
}

func (f *fakeProvider) Send(_ context.Context, address string, p provider.Payload) (string, error) {
	if f.beforeSend != nil {
		f.beforeSend(address)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, providerCall{Address: address, Body: p.Body})
	if queue := f.script[address]; len(queue) > 0 {
		err := queue[0]
		f.script[address] = queue[1:]
		if err != nil {
			return "", err
		}
	}
	f.seq++
	return fmt.Sprintf("msg-%d", f.seq), nil
}

func (f *fakeProvider) sentAddresses() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		out = append(out, c.Address)
	}
	return out
}

func (f *fakeProvider) callCount(address string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Address == address {
			n++
		}
	}
	return n
}
