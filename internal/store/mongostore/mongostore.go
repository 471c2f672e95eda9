// Package mongostore implements store.Store on MongoDB.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/invisible-tech/sentinel-siem/internal/models"
	"github.com/invisible-tech/sentinel-siem/internal/store"
)

const (
	colAgents          = "agents"
	colAlerts          = "alerts"
	colVulnerabilities = "vulnerabilities"
	colCompliance      = "compliance"
	colPreferences     = "user_preferences"
	colInsights        = "ai_insights"
)

// Store is a MongoDB-backed store.Store.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

var _ store.Store = (*Store)(nil)

// Open connects to uri, verifies the connection and ensures indexes.
func Open(ctx context.Context, uri, database string) (*Store, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	s := &Store{client: client, db: client.Database(database)}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

// Close disconnects the client.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	unique := options.Index().SetUnique(true)
	indexes := map[string][]mongo.IndexModel{
		colAgents: {
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "name", Value: 1}}, Options: unique},
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "agent_id", Value: 1}}, Options: unique},
		},
		colAlerts: {
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "timestamp", Value: -1}}},
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "source", Value: 1}}},
		},
		colVulnerabilities: {
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "cvss_score", Value: -1}}},
		},
		colCompliance: {
			{Keys: bson.D{
				{Key: "user_id", Value: 1}, {Key: "framework", Value: 1},
				{Key: "control_id", Value: 1}, {Key: "hostname", Value: 1},
			}, Options: unique},
		},
		colInsights: {
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "expires_at", Value: 1}}},
		},
	}
	for col, idx := range indexes {
		if _, err := s.db.Collection(col).Indexes().CreateMany(ctx, idx); err != nil {
			return fmt.Errorf("create %s indexes: %w", col, err)
		}
	}
	return nil
}

func translate(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, mongo.ErrNoDocuments):
		return fmt.Errorf("%s: %w", what, store.ErrNotFound)
	case mongo.IsDuplicateKeyError(err):
		return fmt.Errorf("%s: %w", what, store.ErrDuplicate)
	}
	return fmt.Errorf("%s: %w", what, err)
}

func findOptions(sort bson.D, page store.Page) *options.FindOptionsBuilder {
	opts := options.Find().SetSort(sort)
	if page.Skip > 0 {
		opts.SetSkip(page.Skip)
	}
	if page.Limit > 0 {
		opts.SetLimit(page.Limit)
	}
	return opts
}

func in(values []string) bson.M { return bson.M{"$in": values} }

// CreateAgent inserts a new agent.
func (s *Store) CreateAgent(ctx context.Context, agent *models.Agent) error {
	_, err := s.db.Collection(colAgents).InsertOne(ctx, agent)
	return translate(err, "insert agent")
}

// GetAgent returns the user's agent by id.
func (s *Store) GetAgent(ctx context.Context, userID, agentID string) (*models.Agent, error) {
	var a models.Agent
	err := s.db.Collection(colAgents).FindOne(ctx, bson.M{"user_id": userID, "agent_id": agentID}).Decode(&a)
	if err != nil {
		return nil, translate(err, "find agent")
	}
	return &a, nil
}

// GetAgentByName returns the user's agent by name.
func (s *Store) GetAgentByName(ctx context.Context, userID, name string) (*models.Agent, error) {
	var a models.Agent
	err := s.db.Collection(colAgents).FindOne(ctx, bson.M{"user_id": userID, "name": name}).Decode(&a)
	if err != nil {
		return nil, translate(err, "find agent by name")
	}
	return &a, nil
}

// ListAgents returns the user's agents, most recently deployed first.
func (s *Store) ListAgents(ctx context.Context, userID string) ([]models.Agent, error) {
	cur, err := s.db.Collection(colAgents).Find(ctx, bson.M{"user_id": userID},
		options.Find().SetSort(bson.D{{Key: "deployed_at", Value: -1}}))
	if err != nil {
		return nil, translate(err, "list agents")
	}
	out := make([]models.Agent, 0)
	if err := cur.All(ctx, &out); err != nil {
		return nil, translate(err, "decode agents")
	}
	return out, nil
}

// PatchAgent sets the non-nil fields of patch and returns the updated agent.
func (s *Store) PatchAgent(ctx context.Context, userID, agentID string, patch store.AgentPatch) (*models.Agent, error) {
	set := bson.M{"updated_at": time.Now().UTC()}
	if patch.Status != nil {
		set["status"] = *patch.Status
	}
	if patch.SystemInfo != nil {
		set["system_info"] = patch.SystemInfo
	}
	if patch.LastActive != nil {
		set["last_active"] = *patch.LastActive
	}
	if patch.OSQueryData != nil {
		set["osquery_data"] = patch.OSQueryData
	}
	var a models.Agent
	err := s.db.Collection(colAgents).FindOneAndUpdate(ctx,
		bson.M{"user_id": userID, "agent_id": agentID},
		bson.M{"$set": set},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&a)
	if err != nil {
		return nil, translate(err, "patch agent")
	}
	return &a, nil
}

// InsertAlert stores a new alert.
func (s *Store) InsertAlert(ctx context.Context, alert *models.Alert) error {
	_, err := s.db.Collection(colAlerts).InsertOne(ctx, alert)
	return translate(err, "insert alert")
}

// GetAlert returns the user's alert by id.
func (s *Store) GetAlert(ctx context.Context, userID, id string) (*models.Alert, error) {
	var a models.Alert
	err := s.db.Collection(colAlerts).FindOne(ctx, bson.M{"_id": id, "user_id": userID}).Decode(&a)
	if err != nil {
		return nil, translate(err, "find alert")
	}
	return &a, nil
}

func alertQuery(userID string, f store.AlertFilter) bson.M {
	q := bson.M{"user_id": userID}
	if f.Severity != "" {
		q["severity"] = f.Severity
	}
	if f.Status != "" {
		q["status"] = f.Status
	}
	if f.Since != nil || f.Until != nil {
		ts := bson.M{}
		if f.Since != nil {
			ts["$gte"] = *f.Since
		}
		if f.Until != nil {
			ts["$lte"] = *f.Until
		}
		q["timestamp"] = ts
	}
	switch {
	case len(f.SourceIn) > 0 && f.SourceContains != "":
		q["$and"] = bson.A{
			bson.M{"source": in(f.SourceIn)},
			bson.M{"source": bson.Regex{Pattern: regexp.QuoteMeta(f.SourceContains), Options: "i"}},
		}
	case len(f.SourceIn) > 0:
		q["source"] = in(f.SourceIn)
	case f.SourceContains != "":
		q["source"] = bson.Regex{Pattern: regexp.QuoteMeta(f.SourceContains), Options: "i"}
	}
	return q
}

// ListAlerts returns a page of the user's matching alerts, newest first, and the total match count.
func (s *Store) ListAlerts(ctx context.Context, userID string, filter store.AlertFilter, page store.Page) ([]models.Alert, int64, error) {
	col := s.db.Collection(colAlerts)
	q := alertQuery(userID, filter)
	total, err := col.CountDocuments(ctx, q)
	if err != nil {
		return nil, 0, translate(err, "count alerts")
	}
	cur, err := col.Find(ctx, q, findOptions(bson.D{{Key: "timestamp", Value: -1}, {Key: "_id", Value: -1}}, page))
	if err != nil {
		return nil, 0, translate(err, "list alerts")
	}
	out := make([]models.Alert, 0)
	if err := cur.All(ctx, &out); err != nil {
		return nil, 0, translate(err, "decode alerts")
	}
	return out, total, nil
}

// ReplaceAlert overwrites an existing alert.
func (s *Store) ReplaceAlert(ctx context.Context, alert *models.Alert) error {
	res, err := s.db.Collection(colAlerts).ReplaceOne(ctx, bson.M{"_id": alert.ID, "user_id": alert.UserID}, alert)
	if err != nil {
		return translate(err, "replace alert")
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("replace alert %s: %w", alert.ID, store.ErrNotFound)
	}
	return nil
}

// DeleteAlert removes the user's alert.
func (s *Store) DeleteAlert(ctx context.Context, userID, id string) error {
	res, err := s.db.Collection(colAlerts).DeleteOne(ctx, bson.M{"_id": id, "user_id": userID})
	if err != nil {
		return translate(err, "delete alert")
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("delete alert %s: %w", id, store.ErrNotFound)
	}
	return nil
}

// InsertVulnerability stores a new vulnerability.
func (s *Store) InsertVulnerability(ctx context.Context, v *models.Vulnerability) error {
	_, err := s.db.Collection(colVulnerabilities).InsertOne(ctx, v)
	return translate(err, "insert vulnerability")
}

// ListVulnerabilities returns a page of matching vulnerabilities by CVSS score, highest first.
func (s *Store) ListVulnerabilities(ctx context.Context, userID string, filter store.VulnerabilityFilter, page store.Page) ([]models.Vulnerability, int64, error) {
	q := bson.M{"user_id": userID}
	if len(filter.Severity) > 0 {
		q["severity"] = in(filter.Severity)
	}
	if len(filter.Status) > 0 {
		q["status"] = in(filter.Status)
	}
	if len(filter.AssetIDs) > 0 {
		q["asset_id"] = in(filter.AssetIDs)
	}
	col := s.db.Collection(colVulnerabilities)
	total, err := col.CountDocuments(ctx, q)
	if err != nil {
		return nil, 0, translate(err, "count vulnerabilities")
	}
	cur, err := col.Find(ctx, q, findOptions(bson.D{{Key: "cvss_score", Value: -1}, {Key: "_id", Value: 1}}, page))
	if err != nil {
		return nil, 0, translate(err, "list vulnerabilities")
	}
	out := make([]models.Vulnerability, 0)
	if err := cur.All(ctx, &out); err != nil {
		return nil, 0, translate(err, "decode vulnerabilities")
	}
	return out, total, nil
}

// UpdateVulnerabilityStatus sets the status of the user's vulnerability.
func (s *Store) UpdateVulnerabilityStatus(ctx context.Context, userID, id, status string, now time.Time) (*models.Vulnerability, error) {
	var v models.Vulnerability
	err := s.db.Collection(colVulnerabilities).FindOneAndUpdate(ctx,
		bson.M{"_id": id, "user_id": userID},
		bson.M{"$set": bson.M{"status": status, "updated_at": now}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&v)
	if err != nil {
		return nil, translate(err, "update vulnerability status")
	}
	return &v, nil
}

// UpsertCompliance inserts or replaces the record keyed by
// (user, framework, control, hostname), keeping the existing id and creation time.
func (s *Store) UpsertCompliance(ctx context.Context, c *models.Compliance) (*models.Compliance, error) {
	filter := bson.M{
		"user_id":    c.UserID,
		"framework":  c.Framework,
		"control_id": c.ControlID,
		"hostname":   c.Hostname,
	}
	update := bson.M{
		"$set": bson.M{
			"control_name":     c.ControlName,
			"description":      c.Description,
			"status":           c.Status,
			"evidence":         c.Evidence,
			"last_checked":     c.LastChecked,
			"next_check":       c.NextCheck,
			"risk_level":       c.RiskLevel,
			"remediation_plan": c.RemediationPlan,
			"comments":         c.Comments,
			"attachments":      c.Attachments,
			"tags":             c.Tags,
			"updated_at":       c.UpdatedAt,
		},
		"$setOnInsert": bson.M{"_id": c.ID, "created_at": c.CreatedAt},
	}
	var out models.Compliance
	err := s.db.Collection(colCompliance).FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&out)
	if err != nil {
		return nil, translate(err, "upsert compliance")
	}
	return &out, nil
}

// ListCompliance returns a page of matching records by next check, soonest first.
func (s *Store) ListCompliance(ctx context.Context, userID string, filter store.ComplianceFilter, page store.Page) ([]models.Compliance, int64, error) {
	q := bson.M{"user_id": userID}
	if len(filter.Framework) > 0 {
		q["framework"] = in(filter.Framework)
	}
	if len(filter.Status) > 0 {
		q["status"] = in(filter.Status)
	}
	if len(filter.RiskLevel) > 0 {
		q["risk_level"] = in(filter.RiskLevel)
	}
	if len(filter.Hostnames) > 0 {
		q["hostname"] = in(filter.Hostnames)
	}
	if filter.Search != "" {
		q["control_name"] = bson.Regex{Pattern: regexp.QuoteMeta(filter.Search), Options: "i"}
	}
	col := s.db.Collection(colCompliance)
	total, err := col.CountDocuments(ctx, q)
	if err != nil {
		return nil, 0, translate(err, "count compliance")
	}
	cur, err := col.Find(ctx, q, findOptions(bson.D{{Key: "next_check", Value: 1}, {Key: "_id", Value: 1}}, page))
	if err != nil {
		return nil, 0, translate(err, "list compliance")
	}
	out := make([]models.Compliance, 0)
	if err := cur.All(ctx, &out); err != nil {
		return nil, 0, translate(err, "decode compliance")
	}
	return out, total, nil
}

// UpdateComplianceStatus sets the status of the user's record and stamps last_checked.
func (s *Store) UpdateComplianceStatus(ctx context.Context, userID, id, status string, now time.Time) (*models.Compliance, error) {
	var c models.Compliance
	err := s.db.Collection(colCompliance).FindOneAndUpdate(ctx,
		bson.M{"_id": id, "user_id": userID},
		bson.M{"$set": bson.M{"status": status, "last_checked": now, "updated_at": now}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&c)
	if err != nil {
		return nil, translate(err, "update compliance status")
	}
	return &c, nil
}

// GetPreferences returns the user's stored preferences.
func (s *Store) GetPreferences(ctx context.Context, userID string) (*models.Preferences, error) {
	var p models.Preferences
	err := s.db.Collection(colPreferences).FindOne(ctx, bson.M{"_id": userID}).Decode(&p)
	if err != nil {
		return nil, translate(err, "find preferences")
	}
	return &p, nil
}

// SavePreferences upserts the user's preferences.
func (s *Store) SavePreferences(ctx context.Context, prefs *models.Preferences) error {
	_, err := s.db.Collection(colPreferences).ReplaceOne(ctx, bson.M{"_id": prefs.UserID}, prefs,
		options.Replace().SetUpsert(true))
	return translate(err, "save preferences")
}

// InsertInsight stores a generated insight.
func (s *Store) InsertInsight(ctx context.Context, insight *models.Insight) error {
	_, err := s.db.Collection(colInsights).InsertOne(ctx, insight)
	return translate(err, "insert insight")
}

// ListInsights returns the user's unexpired insights, newest first.
func (s *Store) ListInsights(ctx context.Context, userID string, now time.Time) ([]models.Insight, error) {
	cur, err := s.db.Collection(colInsights).Find(ctx,
		bson.M{"user_id": userID, "expires_at": bson.M{"$gt": now}},
		options.Find().SetSort(bson.D{{Key: "generated_at", Value: -1}}))
	if err != nil {
		return nil, translate(err, "list insights")
	}
	out := make([]models.Insight, 0)
	if err := cur.All(ctx, &out); err != nil {
		return nil, translate(err, "decode insights")
	}
	return out, nil
}
