package store

import (
	"context"
	"crypto/subtle"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tollgate/server/pkg/x402"
)

// MemoryStore is the in-process Store used for development and tests.
// All state is lost on restart.
type MemoryStore struct {
	mu     sync.RWMutex
	secret []byte

	orgs         map[string]*Organization
	orgByAPIKey  map[string]string
	orgByStripe  map[string]string
	agents       map[string]*Agent
	agentsByWall map[string]string
	sellers      map[string]*Seller
	sellerByKey  map[string]string
	endpoints    map[string]*Endpoint
	tools        map[string]*Tool
	toolBySlug   map[string]string
	txs          map[string]*Transaction
	txByHash     map[string]string
	payments     map[string]*FacilitatorPayment
	payByIdem    map[string]string
	policies     map[string]*Policy
	webhooks     map[string]*Webhook
	deliveries   map[string]*WebhookDelivery
	disputes     map[string]*Dispute
	deposits     map[string]*Deposit
	depByIntent  map[string]string
	alertRules   map[string]*AlertRule
	rateCounters map[string]*RateLimitCounter

	stopCleanup chan struct{}
	cleanupDone chan struct{}
}

// NewMemoryStore creates an empty in-memory store. mutationSecret gates
// facilitator payment writes; cleanupInterval drives the background pruner
// (zero disables it).
func NewMemoryStore(mutationSecret string, cleanupInterval time.Duration) *MemoryStore {
	s := &MemoryStore{
		secret:       []byte(mutationSecret),
		orgs:         make(map[string]*Organization),
		orgByAPIKey:  make(map[string]string),
		orgByStripe:  make(map[string]string),
		agents:       make(map[string]*Agent),
		agentsByWall: make(map[string]string),
		sellers:      make(map[string]*Seller),
		sellerByKey:  make(map[string]string),
		endpoints:    make(map[string]*Endpoint),
		tools:        make(map[string]*Tool),
		toolBySlug:   make(map[string]string),
		txs:          make(map[string]*Transaction),
		txByHash:     make(map[string]string),
		payments:     make(map[string]*FacilitatorPayment),
		payByIdem:    make(map[string]string),
		policies:     make(map[string]*Policy),
		webhooks:     make(map[string]*Webhook),
		deliveries:   make(map[string]*WebhookDelivery),
		disputes:     make(map[string]*Dispute),
		deposits:     make(map[string]*Deposit),
		depByIntent:  make(map[string]string),
		alertRules:   make(map[string]*AlertRule),
		rateCounters: make(map[string]*RateLimitCounter),
		stopCleanup:  make(chan struct{}),
		cleanupDone:  make(chan struct{}),
	}
	if cleanupInterval > 0 {
		go s.cleanupLoop(cleanupInterval)
	} else {
		close(s.cleanupDone)
	}
	return s
}

func (s *MemoryStore) cleanupLoop(interval time.Duration) {
	defer close(s.cleanupDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			_, _ = s.PruneRateCounters(context.Background(), now.Add(-2*interval))
			s.pruneDeliveredDeliveries(now.Add(-24 * time.Hour))
		case <-s.stopCleanup:
			return
		}
	}
}

func (s *MemoryStore) pruneDeliveredDeliveries(olderThan time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, d := range s.deliveries {
		if d.Status == DeliveryDelivered && d.DeliveredAt != nil && d.DeliveredAt.Before(olderThan) {
			delete(s.deliveries, id)
		}
	}
}

// Close stops the cleanup goroutine.
func (s *MemoryStore) Close() error {
	select {
	case <-s.stopCleanup:
	default:
		close(s.stopCleanup)
	}
	<-s.cleanupDone
	return nil
}

func (s *MemoryStore) checkSecret(given string) error {
	if len(s.secret) == 0 {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare(s.secret, []byte(given)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

func newID(id string) string {
	if id != "" {
		return id
	}
	return uuid.NewString()
}

// ---- Organizations ----

func (s *MemoryStore) CreateOrganization(_ context.Context, org *Organization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.orgByAPIKey[org.APIKey]; exists {
		return ErrDuplicate
	}
	org.ID = newID(org.ID)
	if _, exists := s.orgs[org.ID]; exists {
		return ErrDuplicate
	}
	if org.Plan == "" {
		org.Plan = PlanFree
	}
	if org.CreatedAt.IsZero() {
		org.CreatedAt = time.Now().UTC()
	}
	cp := *org
	s.orgs[org.ID] = &cp
	s.orgByAPIKey[org.APIKey] = org.ID
	if org.StripeCustomerID != "" {
		s.orgByStripe[org.StripeCustomerID] = org.ID
	}
	return nil
}

func (s *MemoryStore) GetOrganization(_ context.Context, id string) (*Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	org, ok := s.orgs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *org
	return &cp, nil
}

func (s *MemoryStore) GetOrganizationByAPIKey(ctx context.Context, apiKey string) (*Organization, error) {
	s.mu.RLock()
	id, ok := s.orgByAPIKey[apiKey]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return s.GetOrganization(ctx, id)
}

func (s *MemoryStore) GetOrganizationByStripeCustomer(ctx context.Context, customerID string) (*Organization, error) {
	s.mu.RLock()
	id, ok := s.orgByStripe[customerID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return s.GetOrganization(ctx, id)
}

func (s *MemoryStore) UpdateOrganizationBilling(_ context.Context, id string, plan Plan, subscriptionID, priceID string, billingPeriodEnd int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	org, ok := s.orgs[id]
	if !ok {
		return ErrNotFound
	}
	org.Plan = plan
	org.SubscriptionID = subscriptionID
	org.PriceID = priceID
	org.BillingPeriodEnd = billingPeriodEnd
	return nil
}

func (s *MemoryStore) IncrementUsage(_ context.Context, orgID, date string, limit int) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	org, ok := s.orgs[orgID]
	if !ok {
		return 0, false, ErrNotFound
	}
	if org.DailyUsage.Date != date {
		org.DailyUsage = DailyUsage{Date: date, Count: 0}
	}
	if limit > 0 && org.DailyUsage.Count >= limit {
		return org.DailyUsage.Count, false, nil
	}
	org.DailyUsage.Count++
	return org.DailyUsage.Count, true, nil
}

func (s *MemoryStore) CountAgents(_ context.Context, orgID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, a := range s.agents {
		if a.OrgID == orgID {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) CountSellers(_ context.Context, orgID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, sl := range s.sellers {
		if sl.OrgID == orgID {
			n++
		}
	}
	return n, nil
}

// ---- Agents ----

func (s *MemoryStore) CreateAgent(_ context.Context, agent *Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orgs[agent.OrgID]; !ok {
		return ErrForeignKey
	}
	agent.ID = newID(agent.ID)
	if _, exists := s.agents[agent.ID]; exists {
		return ErrDuplicate
	}
	if agent.Status == "" {
		agent.Status = AgentActive
	}
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = time.Now().UTC()
	}
	cp := *agent
	s.agents[agent.ID] = &cp
	s.agentsByWall[agent.Wallet] = agent.ID
	return nil
}

func (s *MemoryStore) GetAgent(_ context.Context, id string) (*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) GetAgentByWallet(ctx context.Context, wallet string) (*Agent, error) {
	s.mu.RLock()
	id, ok := s.agentsByWall[wallet]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return s.GetAgent(ctx, id)
}

func (s *MemoryStore) ListAgentsByOrg(_ context.Context, orgID string) ([]*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Agent
	for _, a := range s.agents {
		if a.OrgID == orgID {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) UpdateAgentStatus(_ context.Context, id string, status AgentStatus) error {
	switch status {
	case AgentActive, AgentPaused, AgentDepleted:
	default:
		return ErrInvalidTransition
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return ErrNotFound
	}
	a.Status = status
	return nil
}

// ---- Sellers ----

func (s *MemoryStore) CreateSeller(_ context.Context, seller *Seller) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seller.OrgID != "" {
		if _, ok := s.orgs[seller.OrgID]; !ok {
			return ErrForeignKey
		}
	}
	if _, exists := s.sellerByKey[seller.APIKey]; exists {
		return ErrDuplicate
	}
	seller.ID = newID(seller.ID)
	if _, exists := s.sellers[seller.ID]; exists {
		return ErrDuplicate
	}
	if seller.CreatedAt.IsZero() {
		seller.CreatedAt = time.Now().UTC()
	}
	cp := *seller
	s.sellers[seller.ID] = &cp
	s.sellerByKey[seller.APIKey] = seller.ID
	return nil
}

func (s *MemoryStore) GetSeller(_ context.Context, id string) (*Seller, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sl, ok := s.sellers[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sl
	return &cp, nil
}

func (s *MemoryStore) GetSellerByAPIKey(ctx context.Context, apiKey string) (*Seller, error) {
	s.mu.RLock()
	id, ok := s.sellerByKey[apiKey]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return s.GetSeller(ctx, id)
}

func (s *MemoryStore) ListSellersByOrg(_ context.Context, orgID string) ([]*Seller, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Seller
	for _, sl := range s.sellers {
		if sl.OrgID == orgID {
			cp := *sl
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ---- Endpoints ----

func (s *MemoryStore) CreateEndpoint(_ context.Context, ep *Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sellers[ep.SellerID]; !ok {
		return ErrForeignKey
	}
	ep.ID = newID(ep.ID)
	if _, exists := s.endpoints[ep.ID]; exists {
		return ErrDuplicate
	}
	if ep.CreatedAt.IsZero() {
		ep.CreatedAt = time.Now().UTC()
	}
	cp := *ep
	s.endpoints[ep.ID] = &cp
	return nil
}

func (s *MemoryStore) GetEndpoint(_ context.Context, id string) (*Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ep, ok := s.endpoints[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *ep
	return &cp, nil
}

func (s *MemoryStore) ListEndpointsBySeller(_ context.Context, sellerID string) ([]*Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Endpoint
	for _, ep := range s.endpoints {
		if ep.SellerID == sellerID {
			cp := *ep
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) RecordEndpointCall(_ context.Context, id string, amountAtomic string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, ok := s.endpoints[id]
	if !ok {
		return ErrNotFound
	}
	ep.TotalCalls++
	total := new(big.Int)
	if ep.TotalRevenue != "" {
		total.SetString(ep.TotalRevenue, 10)
	}
	if add, ok := new(big.Int).SetString(amountAtomic, 10); ok {
		total.Add(total, add)
	}
	ep.TotalRevenue = total.String()
	return nil
}

// ---- Tools ----

func (s *MemoryStore) CreateTool(_ context.Context, tool *Tool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.endpoints[tool.EndpointID]; !ok {
		return ErrForeignKey
	}
	if _, exists := s.toolBySlug[tool.Slug]; exists {
		return ErrDuplicate
	}
	tool.ID = newID(tool.ID)
	if _, exists := s.tools[tool.ID]; exists {
		return ErrDuplicate
	}
	now := time.Now().UTC()
	if tool.CreatedAt.IsZero() {
		tool.CreatedAt = now
	}
	tool.LastUpdated = now
	cp := *tool
	s.tools[tool.ID] = &cp
	s.toolBySlug[tool.Slug] = tool.ID
	return nil
}

func (s *MemoryStore) UpdateTool(_ context.Context, tool *Tool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.tools[tool.ID]
	if !ok {
		return ErrNotFound
	}
	if tool.Slug != existing.Slug {
		if _, taken := s.toolBySlug[tool.Slug]; taken {
			return ErrDuplicate
		}
		delete(s.toolBySlug, existing.Slug)
		s.toolBySlug[tool.Slug] = tool.ID
	}
	tool.LastUpdated = time.Now().UTC()
	cp := *tool
	s.tools[tool.ID] = &cp
	return nil
}

func (s *MemoryStore) GetTool(_ context.Context, id string) (*Tool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tools[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) GetToolBySlug(ctx context.Context, slug string) (*Tool, error) {
	s.mu.RLock()
	id, ok := s.toolBySlug[slug]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return s.GetTool(ctx, id)
}

func matchesToolFilter(t *Tool, f ToolFilter) bool {
	if f.Category != "" && t.Category != f.Category {
		return false
	}
	if f.Active != nil && t.Active != *f.Active {
		return false
	}
	if f.Featured != nil && t.Featured != *f.Featured {
		return false
	}
	return true
}

func (s *MemoryStore) ListTools(_ context.Context, filter ToolFilter) ([]*Tool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Tool
	for _, t := range s.tools {
		if matchesToolFilter(t, filter) {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BoostScore != out[j].BoostScore {
			return out[i].BoostScore > out[j].BoostScore
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// SearchTools ranks by term hits in name (weighted) and description, plus
// the listing boost. This is a stand-in for the Mongo text index.
func (s *MemoryStore) SearchTools(_ context.Context, query string, filter ToolFilter) ([]*Tool, error) {
	terms := strings.Fields(strings.ToLower(query))
	s.mu.RLock()
	defer s.mu.RUnlock()

	type scored struct {
		tool  *Tool
		score float64
	}
	var hits []scored
	for _, t := range s.tools {
		if !matchesToolFilter(t, filter) {
			continue
		}
		name := strings.ToLower(t.Name)
		desc := strings.ToLower(t.Description)
		score := 0.0
		for _, term := range terms {
			if strings.Contains(name, term) {
				score += 3
			}
			if strings.Contains(desc, term) {
				score++
			}
		}
		if score == 0 {
			continue
		}
		cp := *t
		hits = append(hits, scored{&cp, score + t.BoostScore})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].score > hits[j].score })

	limit := filter.Limit
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	out := make([]*Tool, 0, len(hits))
	for _, h := range hits {
		if len(out) == limit {
			break
		}
		out = append(out, h.tool)
	}
	return out, nil
}

// ---- Transactions ----

func (s *MemoryStore) CreateTransaction(_ context.Context, tx *Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tx.AgentID != "" {
		if _, ok := s.agents[tx.AgentID]; !ok {
			return ErrForeignKey
		}
	}
	if tx.SellerID != "" {
		if _, ok := s.sellers[tx.SellerID]; !ok {
			return ErrForeignKey
		}
	}
	tx.ID = newID(tx.ID)
	if _, exists := s.txs[tx.ID]; exists {
		return ErrDuplicate
	}
	if tx.Status == "" {
		tx.Status = TxPending
	}
	if tx.RequestedAt.IsZero() {
		tx.RequestedAt = time.Now().UTC()
	}
	cp := *tx
	s.txs[tx.ID] = &cp
	if tx.TxHash != "" {
		s.txByHash[tx.TxHash] = tx.ID
	}
	return nil
}

func (s *MemoryStore) GetTransaction(_ context.Context, id string) (*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, ok := s.txs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *tx
	return &cp, nil
}

func (s *MemoryStore) GetTransactionByHash(ctx context.Context, txHash string) (*Transaction, error) {
	s.mu.RLock()
	id, ok := s.txByHash[txHash]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return s.GetTransaction(ctx, id)
}

func (s *MemoryStore) UpdateTransactionStatus(_ context.Context, id string, status TransactionStatus, responseStatus int, latencyMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[id]
	if !ok {
		return ErrNotFound
	}
	if !tx.Status.CanTransition(status) {
		return ErrInvalidTransition
	}
	tx.Status = status
	if responseStatus != 0 {
		tx.ResponseStatus = responseStatus
	}
	if latencyMs != 0 {
		tx.LatencyMs = latencyMs
	}
	if status == TxSettled && tx.SettledAt == nil {
		now := time.Now().UTC()
		tx.SettledAt = &now
	}
	return nil
}

func matchesTxFilter(tx *Transaction, f TransactionFilter) bool {
	if f.AgentWallet != "" && tx.AgentWallet != f.AgentWallet {
		return false
	}
	if f.SellerID != "" && tx.SellerID != f.SellerID {
		return false
	}
	if f.Status != "" && tx.Status != f.Status {
		return false
	}
	if f.Chain != "" && string(tx.Chain) != f.Chain {
		return false
	}
	if !f.Since.IsZero() && tx.RequestedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !tx.RequestedAt.Before(f.Until) {
		return false
	}
	return true
}

func (s *MemoryStore) ListTransactions(_ context.Context, filter TransactionFilter) ([]*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Transaction
	for _, tx := range s.txs {
		if matchesTxFilter(tx, filter) {
			cp := *tx
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.After(out[j].RequestedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) SumSettledByAgent(_ context.Context, wallet string, since, until time.Time) (*big.Int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sum := new(big.Int)
	for _, tx := range s.txs {
		if tx.AgentWallet != wallet || tx.Status != TxSettled {
			continue
		}
		if tx.RequestedAt.Before(since) || !tx.RequestedAt.Before(until) {
			continue
		}
		if amt, err := x402.ParseAtomic(tx.Amount); err == nil {
			sum.Add(sum, amt)
		}
	}
	return sum, nil
}

func (s *MemoryStore) CountAttemptsByAgent(_ context.Context, wallet string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, tx := range s.txs {
		if tx.AgentWallet == wallet && !tx.RequestedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

// ---- Facilitator payments ----

func (s *MemoryStore) UpsertPayment(_ context.Context, secret string, p *FacilitatorPayment) (*FacilitatorPayment, bool, error) {
	if err := s.checkSecret(secret); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.IdempotencyKey != "" {
		if existingID, ok := s.payByIdem[p.IdempotencyKey]; ok {
			cp := *s.payments[existingID]
			return &cp, false, nil
		}
	}
	if p.PaymentID != "" {
		if existing, ok := s.payments[p.PaymentID]; ok {
			cp := *existing
			return &cp, false, nil
		}
	}

	p.PaymentID = newID(p.PaymentID)
	if p.Status == "" {
		p.Status = PaymentPending
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	cp := *p
	s.payments[p.PaymentID] = &cp
	if p.IdempotencyKey != "" {
		s.payByIdem[p.IdempotencyKey] = p.PaymentID
	}
	out := cp
	return &out, true, nil
}

func (s *MemoryStore) GetPayment(_ context.Context, paymentID string) (*FacilitatorPayment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.payments[paymentID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) GetPaymentByIdempotencyKey(ctx context.Context, key string) (*FacilitatorPayment, error) {
	s.mu.RLock()
	id, ok := s.payByIdem[key]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return s.GetPayment(ctx, id)
}

func (s *MemoryStore) TransitionPayment(_ context.Context, secret, paymentID string, from, to PaymentStatus, patch PaymentPatch) error {
	if err := s.checkSecret(secret); err != nil {
		return err
	}
	if !from.CanTransition(to) {
		return ErrInvalidTransition
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[paymentID]
	if !ok {
		return ErrNotFound
	}
	if p.Status != from {
		return ErrConflict
	}
	p.Status = to
	if patch.TxHash != "" {
		p.TxHash = patch.TxHash
	}
	if patch.BlockNumber != 0 {
		p.BlockNumber = patch.BlockNumber
	}
	if patch.Error != "" {
		p.Error = patch.Error
	}
	if patch.CompletedAt != nil {
		p.CompletedAt = patch.CompletedAt
	} else if to.Terminal() && p.CompletedAt == nil {
		now := time.Now().UTC()
		p.CompletedAt = &now
	}
	return nil
}

func (s *MemoryStore) ListPaymentsByStatus(_ context.Context, status PaymentStatus, limit int) ([]*FacilitatorPayment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*FacilitatorPayment
	for _, p := range s.payments {
		if p.Status == status {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ---- Policies ----

func (s *MemoryStore) PutPolicy(_ context.Context, p *Policy) error {
	if err := p.Rules.Validate(p.Type); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orgs[p.OrgID]; !ok {
		return ErrForeignKey
	}
	if p.AgentID != "" {
		if _, ok := s.agents[p.AgentID]; !ok {
			return ErrForeignKey
		}
	}
	p.ID = newID(p.ID)
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	cp := *p
	s.policies[p.ID] = &cp
	return nil
}

func (s *MemoryStore) GetPolicy(_ context.Context, id string) (*Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// ListPoliciesForAgent returns the effective active policies: the latest
// per (scope, type), agent-scoped entries first.
func (s *MemoryStore) ListPoliciesForAgent(_ context.Context, orgID, agentID string) ([]*Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	latest := make(map[string]*Policy)
	for _, p := range s.policies {
		if !p.Active || p.OrgID != orgID {
			continue
		}
		if p.AgentID != "" && p.AgentID != agentID {
			continue
		}
		key := p.AgentID + "|" + string(p.Type)
		if cur, ok := latest[key]; !ok || p.CreatedAt.After(cur.CreatedAt) {
			latest[key] = p
		}
	}

	var out []*Policy
	for _, p := range latest {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		// Agent-scoped before org-wide, then by type for determinism.
		if (out[i].AgentID != "") != (out[j].AgentID != "") {
			return out[i].AgentID != ""
		}
		return out[i].Type < out[j].Type
	})
	return out, nil
}

func (s *MemoryStore) ListPoliciesByOrg(_ context.Context, orgID string) ([]*Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Policy
	for _, p := range s.policies {
		if p.OrgID == orgID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) DeletePolicy(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.policies[id]; !ok {
		return ErrNotFound
	}
	delete(s.policies, id)
	return nil
}

// ---- Webhooks ----

func (s *MemoryStore) CreateWebhook(_ context.Context, w *Webhook) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orgs[w.OrgID]; !ok {
		return ErrForeignKey
	}
	w.ID = newID(w.ID)
	if _, exists := s.webhooks[w.ID]; exists {
		return ErrDuplicate
	}
	if w.State == "" {
		w.State = WebhookActive
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}
	cp := *w
	s.webhooks[w.ID] = &cp
	return nil
}

func (s *MemoryStore) GetWebhook(_ context.Context, id string) (*Webhook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.webhooks[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (s *MemoryStore) ListWebhooksByOrg(_ context.Context, orgID string) ([]*Webhook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Webhook
	for _, w := range s.webhooks {
		if w.OrgID == orgID {
			cp := *w
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ListWebhooksForEvent(_ context.Context, orgID string, event WebhookEvent) ([]*Webhook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Webhook
	for _, w := range s.webhooks {
		if w.OrgID != orgID || w.State == WebhookDisabled {
			continue
		}
		for _, e := range w.Events {
			if e == event {
				cp := *w
				out = append(out, &cp)
				break
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) DeleteWebhook(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.webhooks[id]; !ok {
		return ErrNotFound
	}
	delete(s.webhooks, id)
	return nil
}

func (s *MemoryStore) RecordWebhookOutcome(_ context.Context, id string, delivered bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.webhooks[id]
	if !ok {
		return 0, ErrNotFound
	}
	if delivered {
		w.FailureCount = 0
		if w.State == WebhookFailing {
			w.State = WebhookActive
		}
		return 0, nil
	}
	w.FailureCount++
	if w.FailureCount >= 3 && w.State == WebhookActive {
		w.State = WebhookFailing
	}
	return w.FailureCount, nil
}

// ---- Webhook deliveries ----

func (s *MemoryStore) EnqueueDelivery(_ context.Context, d *WebhookDelivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.webhooks[d.WebhookID]; !ok {
		return ErrForeignKey
	}
	d.ID = newID(d.ID)
	if _, exists := s.deliveries[d.ID]; exists {
		return ErrDuplicate
	}
	if d.Status == "" {
		d.Status = DeliveryPending
	}
	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	if d.NextAttemptAt.IsZero() {
		d.NextAttemptAt = now
	}
	cp := *d
	s.deliveries[d.ID] = &cp
	return nil
}

func (s *MemoryStore) DequeueDeliveries(_ context.Context, now time.Time, limit int) ([]*WebhookDelivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*WebhookDelivery
	for _, d := range s.deliveries {
		if (d.Status == DeliveryPending || d.Status == DeliveryFailed) && !d.NextAttemptAt.After(now) {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextAttemptAt.Before(out[j].NextAttemptAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) MarkDeliveryProcessing(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[id]
	if !ok {
		return ErrNotFound
	}
	if d.Status != DeliveryPending && d.Status != DeliveryFailed {
		return ErrConflict
	}
	d.Status = DeliveryProcessing
	return nil
}

func (s *MemoryStore) MarkDeliveryDelivered(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[id]
	if !ok {
		return ErrNotFound
	}
	d.Status = DeliveryDelivered
	d.Attempts++
	now := time.Now().UTC()
	d.DeliveredAt = &now
	return nil
}

func (s *MemoryStore) MarkDeliveryFailed(_ context.Context, id, errMsg string, nextAttempt time.Time, terminal bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[id]
	if !ok {
		return ErrNotFound
	}
	d.Attempts++
	d.LastError = errMsg
	if terminal {
		d.Status = DeliveryTerminal
	} else {
		d.Status = DeliveryFailed
		d.NextAttemptAt = nextAttempt
	}
	return nil
}

func (s *MemoryStore) ListDeliveriesByWebhook(_ context.Context, webhookID string, limit int) ([]*WebhookDelivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*WebhookDelivery
	for _, d := range s.deliveries {
		if d.WebhookID == webhookID {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ---- Disputes ----

func (s *MemoryStore) CreateDispute(_ context.Context, d *Dispute) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orgs[d.OrgID]; !ok {
		return ErrForeignKey
	}
	if _, ok := s.txs[d.TransactionID]; !ok {
		return ErrForeignKey
	}
	d.ID = newID(d.ID)
	if d.Status == "" {
		d.Status = DisputeOpen
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	cp := *d
	s.disputes[d.ID] = &cp
	return nil
}

func (s *MemoryStore) GetDispute(_ context.Context, id string) (*Dispute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.disputes[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *MemoryStore) ListDisputesByOrg(_ context.Context, orgID string) ([]*Dispute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Dispute
	for _, d := range s.disputes {
		if d.OrgID == orgID {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ResolveDispute(_ context.Context, id string, status DisputeStatus, resolution string) error {
	if status != DisputeResolved && status != DisputeRejected {
		return ErrInvalidTransition
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.disputes[id]
	if !ok {
		return ErrNotFound
	}
	if d.Status != DisputeOpen {
		return ErrInvalidTransition
	}
	d.Status = status
	d.Resolution = resolution
	now := time.Now().UTC()
	d.ResolvedAt = &now
	return nil
}

// ---- Deposits ----

func (s *MemoryStore) CreateDeposit(_ context.Context, d *Deposit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orgs[d.OrgID]; !ok {
		return ErrForeignKey
	}
	if _, ok := s.agents[d.AgentID]; !ok {
		return ErrForeignKey
	}
	d.ID = newID(d.ID)
	if d.Status == "" {
		d.Status = DepositPending
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	cp := *d
	s.deposits[d.ID] = &cp
	if d.PaymentIntentID != "" {
		s.depByIntent[d.PaymentIntentID] = d.ID
	}
	return nil
}

func (s *MemoryStore) GetDeposit(_ context.Context, id string) (*Deposit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deposits[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *MemoryStore) GetDepositByPaymentIntent(ctx context.Context, paymentIntentID string) (*Deposit, error) {
	s.mu.RLock()
	id, ok := s.depByIntent[paymentIntentID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return s.GetDeposit(ctx, id)
}

func (s *MemoryStore) UpdateDepositStatus(_ context.Context, id string, status DepositStatus, txHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deposits[id]
	if !ok {
		return ErrNotFound
	}
	if d.Status == DepositCompleted || d.Status == DepositFailed {
		return ErrInvalidTransition
	}
	d.Status = status
	if txHash != "" {
		d.TxHash = txHash
	}
	return nil
}

func (s *MemoryStore) ListDepositsByOrg(_ context.Context, orgID string) ([]*Deposit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Deposit
	for _, d := range s.deposits {
		if d.OrgID == orgID {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ---- Alert rules ----

func (s *MemoryStore) CreateAlertRule(_ context.Context, r *AlertRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orgs[r.OrgID]; !ok {
		return ErrForeignKey
	}
	r.ID = newID(r.ID)
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	cp := *r
	s.alertRules[r.ID] = &cp
	return nil
}

func (s *MemoryStore) ListAlertRulesByOrg(_ context.Context, orgID string) ([]*AlertRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*AlertRule
	for _, r := range s.alertRules {
		if r.OrgID == orgID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) DeleteAlertRule(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.alertRules[id]; !ok {
		return ErrNotFound
	}
	delete(s.alertRules, id)
	return nil
}

// ---- Rate-limit counters ----

func rateKey(key string, windowStart time.Time) string {
	return key + "|" + windowStart.UTC().Format(time.RFC3339)
}

func (s *MemoryStore) IncrRateCounter(_ context.Context, key string, windowStart time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := rateKey(key, windowStart)
	c, ok := s.rateCounters[k]
	if !ok {
		c = &RateLimitCounter{Key: key, WindowStart: windowStart.UTC()}
		s.rateCounters[k] = c
	}
	c.Count++
	return c.Count, nil
}

func (s *MemoryStore) PruneRateCounters(_ context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, c := range s.rateCounters {
		if c.WindowStart.Before(olderThan) {
			delete(s.rateCounters, k)
			n++
		}
	}
	return n, nil
}

var _ Store = (*MemoryStore)(nil)
