package store

import (
	"context"
	"crypto/subtle"
	"fmt"
	"math/big"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/tollgate/server/pkg/x402"
)

// MongoStore implements Store on MongoDB. Unique constraints are enforced
// by unique indexes; tool search uses a text index over name+description.
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
	secret []byte

	orgs       *mongo.Collection
	agents     *mongo.Collection
	sellers    *mongo.Collection
	endpoints  *mongo.Collection
	tools      *mongo.Collection
	txs        *mongo.Collection
	payments   *mongo.Collection
	policies   *mongo.Collection
	webhooks   *mongo.Collection
	deliveries *mongo.Collection
	disputes   *mongo.Collection
	deposits   *mongo.Collection
	alerts     *mongo.Collection
	rateLimits *mongo.Collection
}

// NewMongoStore connects, verifies the connection and ensures all indexes.
func NewMongoStore(uri, database, mutationSecret string) (*MongoStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("store: connect mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("store: ping mongodb: %w", err)
	}

	db := client.Database(database)
	s := &MongoStore{
		client:     client,
		db:         db,
		secret:     []byte(mutationSecret),
		orgs:       db.Collection("organizations"),
		agents:     db.Collection("agents"),
		sellers:    db.Collection("sellers"),
		endpoints:  db.Collection("endpoints"),
		tools:      db.Collection("tools"),
		txs:        db.Collection("transactions"),
		payments:   db.Collection("facilitator_payments"),
		policies:   db.Collection("policies"),
		webhooks:   db.Collection("webhooks"),
		deliveries: db.Collection("webhook_deliveries"),
		disputes:   db.Collection("disputes"),
		deposits:   db.Collection("deposits"),
		alerts:     db.Collection("alert_rules"),
		rateLimits: db.Collection("rate_limits"),
	}
	if err := s.createIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return s, nil
}

func (s *MongoStore) createIndexes(ctx context.Context) error {
	unique := options.Index().SetUnique(true)
	sparseUnique := options.Index().SetUnique(true).SetSparse(true)

	specs := []struct {
		col    *mongo.Collection
		models []mongo.IndexModel
	}{
		{s.orgs, []mongo.IndexModel{
			{Keys: bson.D{{Key: "apiKey", Value: 1}}, Options: unique},
			{Keys: bson.D{{Key: "stripeCustomerId", Value: 1}}, Options: options.Index().SetSparse(true)},
		}},
		{s.agents, []mongo.IndexModel{
			{Keys: bson.D{{Key: "orgId", Value: 1}}},
			{Keys: bson.D{{Key: "wallet", Value: 1}}},
		}},
		{s.sellers, []mongo.IndexModel{
			{Keys: bson.D{{Key: "apiKey", Value: 1}}, Options: unique},
			{Keys: bson.D{{Key: "orgId", Value: 1}}},
		}},
		{s.endpoints, []mongo.IndexModel{
			{Keys: bson.D{{Key: "sellerId", Value: 1}}},
		}},
		{s.tools, []mongo.IndexModel{
			{Keys: bson.D{{Key: "slug", Value: 1}}, Options: unique},
			{Keys: bson.D{{Key: "category", Value: 1}, {Key: "active", Value: 1}}},
			{Keys: bson.D{{Key: "featured", Value: 1}}},
			{Keys: bson.D{{Key: "name", Value: "text"}, {Key: "description", Value: "text"}}},
		}},
		{s.txs, []mongo.IndexModel{
			{Keys: bson.D{{Key: "agentWallet", Value: 1}, {Key: "requestedAt", Value: -1}}},
			{Keys: bson.D{{Key: "sellerId", Value: 1}, {Key: "requestedAt", Value: -1}}},
			{Keys: bson.D{{Key: "status", Value: 1}}},
			{Keys: bson.D{{Key: "chain", Value: 1}, {Key: "requestedAt", Value: -1}}},
			{Keys: bson.D{{Key: "txHash", Value: 1}}, Options: options.Index().SetSparse(true)},
		}},
		{s.payments, []mongo.IndexModel{
			{Keys: bson.D{{Key: "idempotencyKey", Value: 1}}, Options: sparseUnique},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "createdAt", Value: 1}}},
		}},
		{s.policies, []mongo.IndexModel{
			{Keys: bson.D{{Key: "orgId", Value: 1}, {Key: "agentId", Value: 1}, {Key: "type", Value: 1}}},
		}},
		{s.webhooks, []mongo.IndexModel{
			{Keys: bson.D{{Key: "orgId", Value: 1}}},
		}},
		{s.deliveries, []mongo.IndexModel{
			{Keys: bson.D{{Key: "webhookId", Value: 1}, {Key: "createdAt", Value: -1}}},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "nextAttemptAt", Value: 1}}},
		}},
		{s.disputes, []mongo.IndexModel{
			{Keys: bson.D{{Key: "orgId", Value: 1}, {Key: "createdAt", Value: -1}}},
		}},
		{s.deposits, []mongo.IndexModel{
			{Keys: bson.D{{Key: "orgId", Value: 1}, {Key: "createdAt", Value: -1}}},
			{Keys: bson.D{{Key: "paymentIntentId", Value: 1}}, Options: options.Index().SetSparse(true)},
		}},
		{s.alerts, []mongo.IndexModel{
			{Keys: bson.D{{Key: "orgId", Value: 1}}},
		}},
		{s.rateLimits, []mongo.IndexModel{
			{Keys: bson.D{{Key: "key", Value: 1}, {Key: "windowStart", Value: 1}}, Options: unique},
			{Keys: bson.D{{Key: "windowStart", Value: 1}}, Options: options.Index().SetExpireAfterSeconds(3600)},
		}},
	}

	for _, spec := range specs {
		if _, err := spec.col.Indexes().CreateMany(ctx, spec.models); err != nil {
			return fmt.Errorf("store: create indexes for %s: %w", spec.col.Name(), err)
		}
	}
	return nil
}

// Close disconnects from MongoDB.
func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *MongoStore) checkSecret(given string) error {
	if len(s.secret) == 0 {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare(s.secret, []byte(given)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

func mapMongoErr(err error) error {
	switch {
	case err == nil:
		return nil
	case err == mongo.ErrNoDocuments:
		return ErrNotFound
	case mongo.IsDuplicateKeyError(err):
		return ErrDuplicate
	default:
		return fmt.Errorf("store: %w", err)
	}
}

func (s *MongoStore) exists(ctx context.Context, col *mongo.Collection, id string) (bool, error) {
	n, err := col.CountDocuments(ctx, bson.M{"_id": id}, options.Count().SetLimit(1))
	if err != nil {
		return false, mapMongoErr(err)
	}
	return n > 0, nil
}

// ---- Organizations ----

func (s *MongoStore) CreateOrganization(ctx context.Context, org *Organization) error {
	org.ID = newID(org.ID)
	if org.Plan == "" {
		org.Plan = PlanFree
	}
	if org.CreatedAt.IsZero() {
		org.CreatedAt = time.Now().UTC()
	}
	_, err := s.orgs.InsertOne(ctx, org)
	return mapMongoErr(err)
}

func (s *MongoStore) GetOrganization(ctx context.Context, id string) (*Organization, error) {
	var org Organization
	err := s.orgs.FindOne(ctx, bson.M{"_id": id}).Decode(&org)
	if err != nil {
		return nil, mapMongoErr(err)
	}
	return &org, nil
}

func (s *MongoStore) GetOrganizationByAPIKey(ctx context.Context, apiKey string) (*Organization, error) {
	var org Organization
	err := s.orgs.FindOne(ctx, bson.M{"apiKey": apiKey}).Decode(&org)
	if err != nil {
		return nil, mapMongoErr(err)
	}
	return &org, nil
}

func (s *MongoStore) GetOrganizationByStripeCustomer(ctx context.Context, customerID string) (*Organization, error) {
	var org Organization
	err := s.orgs.FindOne(ctx, bson.M{"stripeCustomerId": customerID}).Decode(&org)
	if err != nil {
		return nil, mapMongoErr(err)
	}
	return &org, nil
}

func (s *MongoStore) UpdateOrganizationBilling(ctx context.Context, id string, plan Plan, subscriptionID, priceID string, billingPeriodEnd int64) error {
	res, err := s.orgs.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{
		"plan":             plan,
		"subscriptionId":   subscriptionID,
		"priceId":          priceID,
		"billingPeriodEnd": billingPeriodEnd,
	}})
	if err != nil {
		return mapMongoErr(err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) IncrementUsage(ctx context.Context, orgID, date string, limit int) (int, bool, error) {
	after := options.FindOneAndUpdate().SetReturnDocument(options.After)

	// New day: reset the counter to 1 in one step.
	var org Organization
	err := s.orgs.FindOneAndUpdate(ctx,
		bson.M{"_id": orgID, "dailyUsage.date": bson.M{"$ne": date}},
		bson.M{"$set": bson.M{"dailyUsage": DailyUsage{Date: date, Count: 1}}},
		after,
	).Decode(&org)
	if err == nil {
		return 1, true, nil
	}
	if err != mongo.ErrNoDocuments {
		return 0, false, mapMongoErr(err)
	}

	// Same day: conditional increment below the limit.
	filter := bson.M{"_id": orgID, "dailyUsage.date": date}
	if limit > 0 {
		filter["dailyUsage.count"] = bson.M{"$lt": limit}
	}
	err = s.orgs.FindOneAndUpdate(ctx, filter,
		bson.M{"$inc": bson.M{"dailyUsage.count": 1}}, after,
	).Decode(&org)
	if err == nil {
		return org.DailyUsage.Count, true, nil
	}
	if err != mongo.ErrNoDocuments {
		return 0, false, mapMongoErr(err)
	}

	// At or over the limit, or the org is gone.
	cur, err := s.GetOrganization(ctx, orgID)
	if err != nil {
		return 0, false, err
	}
	return cur.DailyUsage.Count, false, nil
}

func (s *MongoStore) CountAgents(ctx context.Context, orgID string) (int, error) {
	n, err := s.agents.CountDocuments(ctx, bson.M{"orgId": orgID})
	return int(n), mapMongoErr(err)
}

func (s *MongoStore) CountSellers(ctx context.Context, orgID string) (int, error) {
	n, err := s.sellers.CountDocuments(ctx, bson.M{"orgId": orgID})
	return int(n), mapMongoErr(err)
}

// ---- Agents ----

func (s *MongoStore) CreateAgent(ctx context.Context, agent *Agent) error {
	ok, err := s.exists(ctx, s.orgs, agent.OrgID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrForeignKey
	}
	agent.ID = newID(agent.ID)
	if agent.Status == "" {
		agent.Status = AgentActive
	}
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = time.Now().UTC()
	}
	_, err = s.agents.InsertOne(ctx, agent)
	return mapMongoErr(err)
}

func (s *MongoStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	var a Agent
	if err := s.agents.FindOne(ctx, bson.M{"_id": id}).Decode(&a); err != nil {
		return nil, mapMongoErr(err)
	}
	return &a, nil
}

func (s *MongoStore) GetAgentByWallet(ctx context.Context, wallet string) (*Agent, error) {
	var a Agent
	if err := s.agents.FindOne(ctx, bson.M{"wallet": wallet}).Decode(&a); err != nil {
		return nil, mapMongoErr(err)
	}
	return &a, nil
}

func (s *MongoStore) ListAgentsByOrg(ctx context.Context, orgID string) ([]*Agent, error) {
	return findAll[Agent](ctx, s.agents, bson.M{"orgId": orgID}, bson.D{{Key: "createdAt", Value: 1}}, 0)
}

func (s *MongoStore) UpdateAgentStatus(ctx context.Context, id string, status AgentStatus) error {
	switch status {
	case AgentActive, AgentPaused, AgentDepleted:
	default:
		return ErrInvalidTransition
	}
	res, err := s.agents.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"status": status}})
	if err != nil {
		return mapMongoErr(err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// findAll drains a filtered, sorted, bounded cursor into pointers.
func findAll[T any](ctx context.Context, col *mongo.Collection, filter bson.M, sortKeys bson.D, limit int) ([]*T, error) {
	opts := options.Find()
	if sortKeys != nil {
		opts.SetSort(sortKeys)
	}
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := col.Find(ctx, filter, opts)
	if err != nil {
		return nil, mapMongoErr(err)
	}
	defer cursor.Close(ctx)
	var out []*T
	for cursor.Next(ctx) {
		var doc T
		if err := cursor.Decode(&doc); err != nil {
			return nil, mapMongoErr(err)
		}
		out = append(out, &doc)
	}
	return out, mapMongoErr(cursor.Err())
}

// ---- Sellers ----

func (s *MongoStore) CreateSeller(ctx context.Context, seller *Seller) error {
	if seller.OrgID != "" {
		ok, err := s.exists(ctx, s.orgs, seller.OrgID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrForeignKey
		}
	}
	seller.ID = newID(seller.ID)
	if seller.CreatedAt.IsZero() {
		seller.CreatedAt = time.Now().UTC()
	}
	_, err := s.sellers.InsertOne(ctx, seller)
	return mapMongoErr(err)
}

func (s *MongoStore) GetSeller(ctx context.Context, id string) (*Seller, error) {
	var sl Seller
	if err := s.sellers.FindOne(ctx, bson.M{"_id": id}).Decode(&sl); err != nil {
		return nil, mapMongoErr(err)
	}
	return &sl, nil
}

func (s *MongoStore) GetSellerByAPIKey(ctx context.Context, apiKey string) (*Seller, error) {
	var sl Seller
	if err := s.sellers.FindOne(ctx, bson.M{"apiKey": apiKey}).Decode(&sl); err != nil {
		return nil, mapMongoErr(err)
	}
	return &sl, nil
}

func (s *MongoStore) ListSellersByOrg(ctx context.Context, orgID string) ([]*Seller, error) {
	return findAll[Seller](ctx, s.sellers, bson.M{"orgId": orgID}, bson.D{{Key: "createdAt", Value: 1}}, 0)
}

// ---- Endpoints ----

func (s *MongoStore) CreateEndpoint(ctx context.Context, ep *Endpoint) error {
	ok, err := s.exists(ctx, s.sellers, ep.SellerID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrForeignKey
	}
	ep.ID = newID(ep.ID)
	if ep.CreatedAt.IsZero() {
		ep.CreatedAt = time.Now().UTC()
	}
	_, err = s.endpoints.InsertOne(ctx, ep)
	return mapMongoErr(err)
}

func (s *MongoStore) GetEndpoint(ctx context.Context, id string) (*Endpoint, error) {
	var ep Endpoint
	if err := s.endpoints.FindOne(ctx, bson.M{"_id": id}).Decode(&ep); err != nil {
		return nil, mapMongoErr(err)
	}
	return &ep, nil
}

func (s *MongoStore) ListEndpointsBySeller(ctx context.Context, sellerID string) ([]*Endpoint, error) {
	return findAll[Endpoint](ctx, s.endpoints, bson.M{"sellerId": sellerID}, bson.D{{Key: "createdAt", Value: 1}}, 0)
}

func (s *MongoStore) RecordEndpointCall(ctx context.Context, id string, amountAtomic string) error {
	// Revenue is kept as a decimal string, so read-modify-write; the call
	// counter increment is atomic and the revenue total is advisory.
	ep, err := s.GetEndpoint(ctx, id)
	if err != nil {
		return err
	}
	total := new(big.Int)
	if ep.TotalRevenue != "" {
		total.SetString(ep.TotalRevenue, 10)
	}
	if add, ok := new(big.Int).SetString(amountAtomic, 10); ok {
		total.Add(total, add)
	}
	_, err = s.endpoints.UpdateOne(ctx, bson.M{"_id": id}, bson.M{
		"$inc": bson.M{"totalCalls": 1},
		"$set": bson.M{"totalRevenue": total.String()},
	})
	return mapMongoErr(err)
}

// ---- Tools ----

func (s *MongoStore) CreateTool(ctx context.Context, tool *Tool) error {
	ok, err := s.exists(ctx, s.endpoints, tool.EndpointID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrForeignKey
	}
	tool.ID = newID(tool.ID)
	now := time.Now().UTC()
	if tool.CreatedAt.IsZero() {
		tool.CreatedAt = now
	}
	tool.LastUpdated = now
	_, err = s.tools.InsertOne(ctx, tool)
	return mapMongoErr(err)
}

func (s *MongoStore) UpdateTool(ctx context.Context, tool *Tool) error {
	tool.LastUpdated = time.Now().UTC()
	res, err := s.tools.ReplaceOne(ctx, bson.M{"_id": tool.ID}, tool)
	if err != nil {
		return mapMongoErr(err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) GetTool(ctx context.Context, id string) (*Tool, error) {
	var t Tool
	if err := s.tools.FindOne(ctx, bson.M{"_id": id}).Decode(&t); err != nil {
		return nil, mapMongoErr(err)
	}
	return &t, nil
}

func (s *MongoStore) GetToolBySlug(ctx context.Context, slug string) (*Tool, error) {
	var t Tool
	if err := s.tools.FindOne(ctx, bson.M{"slug": slug}).Decode(&t); err != nil {
		return nil, mapMongoErr(err)
	}
	return &t, nil
}

func toolFilterQuery(f ToolFilter) bson.M {
	q := bson.M{}
	if f.Category != "" {
		q["category"] = f.Category
	}
	if f.Active != nil {
		q["active"] = *f.Active
	}
	if f.Featured != nil {
		q["featured"] = *f.Featured
	}
	return q
}

func (s *MongoStore) ListTools(ctx context.Context, filter ToolFilter) ([]*Tool, error) {
	return findAll[Tool](ctx, s.tools, toolFilterQuery(filter),
		bson.D{{Key: "boostScore", Value: -1}, {Key: "createdAt", Value: -1}}, filter.Limit)
}

func (s *MongoStore) SearchTools(ctx context.Context, query string, filter ToolFilter) ([]*Tool, error) {
	q := toolFilterQuery(filter)
	q["$text"] = bson.M{"$search": query}

	limit := filter.Limit
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	opts := options.Find().
		SetProjection(bson.M{"score": bson.M{"$meta": "textScore"}}).
		SetSort(bson.M{"score": bson.M{"$meta": "textScore"}}).
		SetLimit(int64(limit))

	cursor, err := s.tools.Find(ctx, q, opts)
	if err != nil {
		return nil, mapMongoErr(err)
	}
	defer cursor.Close(ctx)
	var out []*Tool
	for cursor.Next(ctx) {
		var t Tool
		if err := cursor.Decode(&t); err != nil {
			return nil, mapMongoErr(err)
		}
		out = append(out, &t)
	}
	return out, mapMongoErr(cursor.Err())
}

// ---- Transactions ----

func (s *MongoStore) CreateTransaction(ctx context.Context, tx *Transaction) error {
	if tx.AgentID != "" {
		ok, err := s.exists(ctx, s.agents, tx.AgentID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrForeignKey
		}
	}
	if tx.SellerID != "" {
		ok, err := s.exists(ctx, s.sellers, tx.SellerID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrForeignKey
		}
	}
	tx.ID = newID(tx.ID)
	if tx.Status == "" {
		tx.Status = TxPending
	}
	if tx.RequestedAt.IsZero() {
		tx.RequestedAt = time.Now().UTC()
	}
	_, err := s.txs.InsertOne(ctx, tx)
	return mapMongoErr(err)
}

func (s *MongoStore) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	var tx Transaction
	if err := s.txs.FindOne(ctx, bson.M{"_id": id}).Decode(&tx); err != nil {
		return nil, mapMongoErr(err)
	}
	return &tx, nil
}

func (s *MongoStore) GetTransactionByHash(ctx context.Context, txHash string) (*Transaction, error) {
	var tx Transaction
	if err := s.txs.FindOne(ctx, bson.M{"txHash": txHash}).Decode(&tx); err != nil {
		return nil, mapMongoErr(err)
	}
	return &tx, nil
}

func (s *MongoStore) UpdateTransactionStatus(ctx context.Context, id string, status TransactionStatus, responseStatus int, latencyMs int64) error {
	var allowedPrior []TransactionStatus
	for prior, nexts := range validTxTransitions {
		for _, n := range nexts {
			if n == status {
				allowedPrior = append(allowedPrior, prior)
			}
		}
	}
	if len(allowedPrior) == 0 {
		return ErrInvalidTransition
	}

	set := bson.M{"status": status}
	if responseStatus != 0 {
		set["responseStatus"] = responseStatus
	}
	if latencyMs != 0 {
		set["latencyMs"] = latencyMs
	}
	if status == TxSettled {
		set["settledAt"] = time.Now().UTC()
	}

	res, err := s.txs.UpdateOne(ctx,
		bson.M{"_id": id, "status": bson.M{"$in": allowedPrior}},
		bson.M{"$set": set})
	if err != nil {
		return mapMongoErr(err)
	}
	if res.MatchedCount == 0 {
		ok, err := s.exists(ctx, s.txs, id)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}
		return ErrInvalidTransition
	}
	return nil
}

func txFilterQuery(f TransactionFilter) bson.M {
	q := bson.M{}
	if f.AgentWallet != "" {
		q["agentWallet"] = f.AgentWallet
	}
	if f.SellerID != "" {
		q["sellerId"] = f.SellerID
	}
	if f.Status != "" {
		q["status"] = f.Status
	}
	if f.Chain != "" {
		q["chain"] = f.Chain
	}
	timeRange := bson.M{}
	if !f.Since.IsZero() {
		timeRange["$gte"] = f.Since
	}
	if !f.Until.IsZero() {
		timeRange["$lt"] = f.Until
	}
	if len(timeRange) > 0 {
		q["requestedAt"] = timeRange
	}
	return q
}

func (s *MongoStore) ListTransactions(ctx context.Context, filter TransactionFilter) ([]*Transaction, error) {
	return findAll[Transaction](ctx, s.txs, txFilterQuery(filter),
		bson.D{{Key: "requestedAt", Value: -1}}, filter.Limit)
}

func (s *MongoStore) SumSettledByAgent(ctx context.Context, wallet string, since, until time.Time) (*big.Int, error) {
	// Amounts are decimal strings, so the sum happens here rather than in
	// an aggregation pipeline.
	txs, err := findAll[Transaction](ctx, s.txs, txFilterQuery(TransactionFilter{
		AgentWallet: wallet,
		Status:      TxSettled,
		Since:       since,
		Until:       until,
	}), nil, 0)
	if err != nil {
		return nil, err
	}
	sum := new(big.Int)
	for _, tx := range txs {
		if amt, err := x402.ParseAtomic(tx.Amount); err == nil {
			sum.Add(sum, amt)
		}
	}
	return sum, nil
}

func (s *MongoStore) CountAttemptsByAgent(ctx context.Context, wallet string, since time.Time) (int, error) {
	n, err := s.txs.CountDocuments(ctx, bson.M{
		"agentWallet": wallet,
		"requestedAt": bson.M{"$gte": since},
	})
	return int(n), mapMongoErr(err)
}

// ---- Facilitator payments ----

func (s *MongoStore) UpsertPayment(ctx context.Context, secret string, p *FacilitatorPayment) (*FacilitatorPayment, bool, error) {
	if err := s.checkSecret(secret); err != nil {
		return nil, false, err
	}
	if p.IdempotencyKey != "" {
		existing, err := s.GetPaymentByIdempotencyKey(ctx, p.IdempotencyKey)
		if err == nil {
			return existing, false, nil
		}
		if err != ErrNotFound {
			return nil, false, err
		}
	}

	p.PaymentID = newID(p.PaymentID)
	if p.Status == "" {
		p.Status = PaymentPending
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := s.payments.InsertOne(ctx, p)
	if err == nil {
		return p, true, nil
	}
	if mongo.IsDuplicateKeyError(err) {
		// Lost the insert race; the winner's record is authoritative.
		if p.IdempotencyKey != "" {
			existing, rerr := s.GetPaymentByIdempotencyKey(ctx, p.IdempotencyKey)
			if rerr == nil {
				return existing, false, nil
			}
		}
		existing, rerr := s.GetPayment(ctx, p.PaymentID)
		if rerr == nil {
			return existing, false, nil
		}
	}
	return nil, false, mapMongoErr(err)
}

func (s *MongoStore) GetPayment(ctx context.Context, paymentID string) (*FacilitatorPayment, error) {
	var p FacilitatorPayment
	if err := s.payments.FindOne(ctx, bson.M{"_id": paymentID}).Decode(&p); err != nil {
		return nil, mapMongoErr(err)
	}
	return &p, nil
}

func (s *MongoStore) GetPaymentByIdempotencyKey(ctx context.Context, key string) (*FacilitatorPayment, error) {
	var p FacilitatorPayment
	if err := s.payments.FindOne(ctx, bson.M{"idempotencyKey": key}).Decode(&p); err != nil {
		return nil, mapMongoErr(err)
	}
	return &p, nil
}

func (s *MongoStore) TransitionPayment(ctx context.Context, secret, paymentID string, from, to PaymentStatus, patch PaymentPatch) error {
	if err := s.checkSecret(secret); err != nil {
		return err
	}
	if !from.CanTransition(to) {
		return ErrInvalidTransition
	}

	set := bson.M{"status": to}
	if patch.TxHash != "" {
		set["txHash"] = patch.TxHash
	}
	if patch.BlockNumber != 0 {
		set["blockNumber"] = patch.BlockNumber
	}
	if patch.Error != "" {
		set["error"] = patch.Error
	}
	if patch.CompletedAt != nil {
		set["completedAt"] = patch.CompletedAt
	} else if to.Terminal() {
		set["completedAt"] = time.Now().UTC()
	}

	res, err := s.payments.UpdateOne(ctx,
		bson.M{"_id": paymentID, "status": from},
		bson.M{"$set": set})
	if err != nil {
		return mapMongoErr(err)
	}
	if res.MatchedCount == 0 {
		ok, err := s.exists(ctx, s.payments, paymentID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

func (s *MongoStore) ListPaymentsByStatus(ctx context.Context, status PaymentStatus, limit int) ([]*FacilitatorPayment, error) {
	return findAll[FacilitatorPayment](ctx, s.payments, bson.M{"status": status},
		bson.D{{Key: "createdAt", Value: 1}}, limit)
}

// ---- Policies ----

func (s *MongoStore) PutPolicy(ctx context.Context, p *Policy) error {
	if err := p.Rules.Validate(p.Type); err != nil {
		return err
	}
	ok, err := s.exists(ctx, s.orgs, p.OrgID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrForeignKey
	}
	if p.AgentID != "" {
		ok, err := s.exists(ctx, s.agents, p.AgentID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrForeignKey
		}
	}
	p.ID = newID(p.ID)
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err = s.policies.InsertOne(ctx, p)
	return mapMongoErr(err)
}

func (s *MongoStore) GetPolicy(ctx context.Context, id string) (*Policy, error) {
	var p Policy
	if err := s.policies.FindOne(ctx, bson.M{"_id": id}).Decode(&p); err != nil {
		return nil, mapMongoErr(err)
	}
	return &p, nil
}

func (s *MongoStore) ListPoliciesForAgent(ctx context.Context, orgID, agentID string) ([]*Policy, error) {
	all, err := findAll[Policy](ctx, s.policies, bson.M{
		"orgId":  orgID,
		"active": true,
		"$or": []bson.M{
			{"agentId": agentID},
			{"agentId": bson.M{"$in": []interface{}{nil, ""}}},
		},
	}, bson.D{{Key: "createdAt", Value: -1}}, 0)
	if err != nil {
		return nil, err
	}

	// Latest per (scope, type) wins; agent-scoped first.
	seen := make(map[string]bool)
	var agentScoped, orgWide []*Policy
	for _, p := range all {
		key := p.AgentID + "|" + string(p.Type)
		if seen[key] {
			continue
		}
		seen[key] = true
		if p.AgentID != "" {
			agentScoped = append(agentScoped, p)
		} else {
			orgWide = append(orgWide, p)
		}
	}
	return append(agentScoped, orgWide...), nil
}

func (s *MongoStore) ListPoliciesByOrg(ctx context.Context, orgID string) ([]*Policy, error) {
	return findAll[Policy](ctx, s.policies, bson.M{"orgId": orgID}, bson.D{{Key: "createdAt", Value: 1}}, 0)
}

func (s *MongoStore) DeletePolicy(ctx context.Context, id string) error {
	res, err := s.policies.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return mapMongoErr(err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// ---- Webhooks ----

func (s *MongoStore) CreateWebhook(ctx context.Context, w *Webhook) error {
	ok, err := s.exists(ctx, s.orgs, w.OrgID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrForeignKey
	}
	w.ID = newID(w.ID)
	if w.State == "" {
		w.State = WebhookActive
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}
	_, err = s.webhooks.InsertOne(ctx, w)
	return mapMongoErr(err)
}

func (s *MongoStore) GetWebhook(ctx context.Context, id string) (*Webhook, error) {
	var w Webhook
	if err := s.webhooks.FindOne(ctx, bson.M{"_id": id}).Decode(&w); err != nil {
		return nil, mapMongoErr(err)
	}
	return &w, nil
}

func (s *MongoStore) ListWebhooksByOrg(ctx context.Context, orgID string) ([]*Webhook, error) {
	return findAll[Webhook](ctx, s.webhooks, bson.M{"orgId": orgID}, bson.D{{Key: "createdAt", Value: 1}}, 0)
}

func (s *MongoStore) ListWebhooksForEvent(ctx context.Context, orgID string, event WebhookEvent) ([]*Webhook, error) {
	return findAll[Webhook](ctx, s.webhooks, bson.M{
		"orgId":  orgID,
		"events": event,
		"state":  bson.M{"$ne": WebhookDisabled},
	}, nil, 0)
}

func (s *MongoStore) DeleteWebhook(ctx context.Context, id string) error {
	res, err := s.webhooks.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return mapMongoErr(err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) RecordWebhookOutcome(ctx context.Context, id string, delivered bool) (int, error) {
	after := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var w Webhook
	if delivered {
		err := s.webhooks.FindOneAndUpdate(ctx, bson.M{"_id": id}, bson.M{
			"$set": bson.M{"failureCount": 0, "state": WebhookActive},
		}, after).Decode(&w)
		if err != nil {
			return 0, mapMongoErr(err)
		}
		return 0, nil
	}
	err := s.webhooks.FindOneAndUpdate(ctx, bson.M{"_id": id}, bson.M{
		"$inc": bson.M{"failureCount": 1},
	}, after).Decode(&w)
	if err != nil {
		return 0, mapMongoErr(err)
	}
	if w.FailureCount >= 3 && w.State == WebhookActive {
		_, _ = s.webhooks.UpdateOne(ctx,
			bson.M{"_id": id, "state": WebhookActive},
			bson.M{"$set": bson.M{"state": WebhookFailing}})
	}
	return w.FailureCount, nil
}

// ---- Webhook deliveries ----

func (s *MongoStore) EnqueueDelivery(ctx context.Context, d *WebhookDelivery) error {
	ok, err := s.exists(ctx, s.webhooks, d.WebhookID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrForeignKey
	}
	d.ID = newID(d.ID)
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
	_, err = s.deliveries.InsertOne(ctx, d)
	return mapMongoErr(err)
}

func (s *MongoStore) DequeueDeliveries(ctx context.Context, now time.Time, limit int) ([]*WebhookDelivery, error) {
	return findAll[WebhookDelivery](ctx, s.deliveries, bson.M{
		"status":        bson.M{"$in": []DeliveryStatus{DeliveryPending, DeliveryFailed}},
		"nextAttemptAt": bson.M{"$lte": now},
	}, bson.D{{Key: "nextAttemptAt", Value: 1}}, limit)
}

func (s *MongoStore) MarkDeliveryProcessing(ctx context.Context, id string) error {
	res, err := s.deliveries.UpdateOne(ctx, bson.M{
		"_id":    id,
		"status": bson.M{"$in": []DeliveryStatus{DeliveryPending, DeliveryFailed}},
	}, bson.M{"$set": bson.M{"status": DeliveryProcessing}})
	if err != nil {
		return mapMongoErr(err)
	}
	if res.MatchedCount == 0 {
		ok, err := s.exists(ctx, s.deliveries, id)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

func (s *MongoStore) MarkDeliveryDelivered(ctx context.Context, id string) error {
	res, err := s.deliveries.UpdateOne(ctx, bson.M{"_id": id}, bson.M{
		"$set": bson.M{"status": DeliveryDelivered, "deliveredAt": time.Now().UTC()},
		"$inc": bson.M{"attempts": 1},
	})
	if err != nil {
		return mapMongoErr(err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) MarkDeliveryFailed(ctx context.Context, id, errMsg string, nextAttempt time.Time, terminal bool) error {
	set := bson.M{"lastError": errMsg}
	if terminal {
		set["status"] = DeliveryTerminal
	} else {
		set["status"] = DeliveryFailed
		set["nextAttemptAt"] = nextAttempt
	}
	res, err := s.deliveries.UpdateOne(ctx, bson.M{"_id": id}, bson.M{
		"$set": set,
		"$inc": bson.M{"attempts": 1},
	})
	if err != nil {
		return mapMongoErr(err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) ListDeliveriesByWebhook(ctx context.Context, webhookID string, limit int) ([]*WebhookDelivery, error) {
	return findAll[WebhookDelivery](ctx, s.deliveries, bson.M{"webhookId": webhookID},
		bson.D{{Key: "createdAt", Value: 1}}, limit)
}

// ---- Disputes ----

func (s *MongoStore) CreateDispute(ctx context.Context, d *Dispute) error {
	ok, err := s.exists(ctx, s.orgs, d.OrgID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrForeignKey
	}
	ok, err = s.exists(ctx, s.txs, d.TransactionID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrForeignKey
	}
	d.ID = newID(d.ID)
	if d.Status == "" {
		d.Status = DisputeOpen
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	_, err = s.disputes.InsertOne(ctx, d)
	return mapMongoErr(err)
}

func (s *MongoStore) GetDispute(ctx context.Context, id string) (*Dispute, error) {
	var d Dispute
	if err := s.disputes.FindOne(ctx, bson.M{"_id": id}).Decode(&d); err != nil {
		return nil, mapMongoErr(err)
	}
	return &d, nil
}

func (s *MongoStore) ListDisputesByOrg(ctx context.Context, orgID string) ([]*Dispute, error) {
	return findAll[Dispute](ctx, s.disputes, bson.M{"orgId": orgID}, bson.D{{Key: "createdAt", Value: -1}}, 0)
}

func (s *MongoStore) ResolveDispute(ctx context.Context, id string, status DisputeStatus, resolution string) error {
	if status != DisputeResolved && status != DisputeRejected {
		return ErrInvalidTransition
	}
	res, err := s.disputes.UpdateOne(ctx,
		bson.M{"_id": id, "status": DisputeOpen},
		bson.M{"$set": bson.M{
			"status":     status,
			"resolution": resolution,
			"resolvedAt": time.Now().UTC(),
		}})
	if err != nil {
		return mapMongoErr(err)
	}
	if res.MatchedCount == 0 {
		ok, err := s.exists(ctx, s.disputes, id)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}
		return ErrInvalidTransition
	}
	return nil
}

// ---- Deposits ----

func (s *MongoStore) CreateDeposit(ctx context.Context, d *Deposit) error {
	ok, err := s.exists(ctx, s.orgs, d.OrgID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrForeignKey
	}
	ok, err = s.exists(ctx, s.agents, d.AgentID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrForeignKey
	}
	d.ID = newID(d.ID)
	if d.Status == "" {
		d.Status = DepositPending
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	_, err = s.deposits.InsertOne(ctx, d)
	return mapMongoErr(err)
}

func (s *MongoStore) GetDeposit(ctx context.Context, id string) (*Deposit, error) {
	var d Deposit
	if err := s.deposits.FindOne(ctx, bson.M{"_id": id}).Decode(&d); err != nil {
		return nil, mapMongoErr(err)
	}
	return &d, nil
}

func (s *MongoStore) GetDepositByPaymentIntent(ctx context.Context, paymentIntentID string) (*Deposit, error) {
	var d Deposit
	if err := s.deposits.FindOne(ctx, bson.M{"paymentIntentId": paymentIntentID}).Decode(&d); err != nil {
		return nil, mapMongoErr(err)
	}
	return &d, nil
}

func (s *MongoStore) UpdateDepositStatus(ctx context.Context, id string, status DepositStatus, txHash string) error {
	set := bson.M{"status": status}
	if txHash != "" {
		set["txHash"] = txHash
	}
	res, err := s.deposits.UpdateOne(ctx, bson.M{
		"_id":    id,
		"status": bson.M{"$nin": []DepositStatus{DepositCompleted, DepositFailed}},
	}, bson.M{"$set": set})
	if err != nil {
		return mapMongoErr(err)
	}
	if res.MatchedCount == 0 {
		ok, err := s.exists(ctx, s.deposits, id)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}
		return ErrInvalidTransition
	}
	return nil
}

func (s *MongoStore) ListDepositsByOrg(ctx context.Context, orgID string) ([]*Deposit, error) {
	return findAll[Deposit](ctx, s.deposits, bson.M{"orgId": orgID}, bson.D{{Key: "createdAt", Value: -1}}, 0)
}

// ---- Alert rules ----

func (s *MongoStore) CreateAlertRule(ctx context.Context, r *AlertRule) error {
	ok, err := s.exists(ctx, s.orgs, r.OrgID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrForeignKey
	}
	r.ID = newID(r.ID)
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err = s.alerts.InsertOne(ctx, r)
	return mapMongoErr(err)
}

func (s *MongoStore) ListAlertRulesByOrg(ctx context.Context, orgID string) ([]*AlertRule, error) {
	return findAll[AlertRule](ctx, s.alerts, bson.M{"orgId": orgID}, bson.D{{Key: "createdAt", Value: 1}}, 0)
}

func (s *MongoStore) DeleteAlertRule(ctx context.Context, id string) error {
	res, err := s.alerts.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return mapMongoErr(err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// ---- Rate-limit counters ----

func (s *MongoStore) IncrRateCounter(ctx context.Context, key string, windowStart time.Time) (int, error) {
	after := options.FindOneAndUpdate().SetReturnDocument(options.After).SetUpsert(true)
	var c RateLimitCounter
	err := s.rateLimits.FindOneAndUpdate(ctx,
		bson.M{"key": key, "windowStart": windowStart.UTC()},
		bson.M{"$inc": bson.M{"count": 1}},
		after,
	).Decode(&c)
	if err != nil {
		return 0, mapMongoErr(err)
	}
	return c.Count, nil
}

func (s *MongoStore) PruneRateCounters(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.rateLimits.DeleteMany(ctx, bson.M{"windowStart": bson.M{"$lt": olderThan}})
	if err != nil {
		return 0, mapMongoErr(err)
	}
	return res.DeletedCount, nil
}

var _ Store = (*MongoStore)(nil)
