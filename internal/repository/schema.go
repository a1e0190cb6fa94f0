package repository

// Schema definitions for the Kestrel database.
// Compatible with both SQLite and PostgreSQL.

const schemaProfiles = `
CREATE TABLE IF NOT EXISTS behavior_profiles (
    entity_id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    version BIGINT NOT NULL DEFAULT 1,
    risk_score REAL NOT NULL DEFAULT 0,
    confidence REAL NOT NULL DEFAULT 0,
    data TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (entity_id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_profiles_tenant ON behavior_profiles(tenant_id);
`

const schemaEvents = `
CREATE TABLE IF NOT EXISTS events (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    type TEXT NOT NULL,
    device_id TEXT,
    ip_address TEXT,
    location TEXT,
    timestamp TIMESTAMP NOT NULL,
    received_at TIMESTAMP NOT NULL,
    payload TEXT
);

CREATE INDEX IF NOT EXISTS idx_events_tenant ON events(tenant_id);
CREATE INDEX IF NOT EXISTS idx_events_entity ON events(tenant_id, entity_id, timestamp);
`

const schemaModels = `
CREATE TABLE IF NOT EXISTS scoring_models (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    version TEXT NOT NULL,
    name TEXT NOT NULL,
    type TEXT NOT NULL,
    features TEXT NOT NULL,
    ensemble_weight REAL NOT NULL,
    status TEXT NOT NULL,
    accuracy REAL NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id, version)
);

CREATE INDEX IF NOT EXISTS idx_models_tenant ON scoring_models(tenant_id);
CREATE INDEX IF NOT EXISTS idx_models_status ON scoring_models(tenant_id, status);
`

const schemaDecisions = `
CREATE TABLE IF NOT EXISTS decisions (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    event_id TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    risk_score REAL NOT NULL,
    band TEXT NOT NULL,
    human_review INTEGER NOT NULL DEFAULT 0,
    fallback INTEGER NOT NULL DEFAULT 0,
    model_scores TEXT,
    contributions TEXT,
    patterns TEXT,
    action_ids TEXT,
    alert_id TEXT,
    timestamp TIMESTAMP NOT NULL,
    metadata TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_decisions_tenant ON decisions(tenant_id);
CREATE INDEX IF NOT EXISTS idx_decisions_event ON decisions(tenant_id, event_id);
CREATE INDEX IF NOT EXISTS idx_decisions_entity ON decisions(tenant_id, entity_id, timestamp);
`

const schemaAlerts = `
CREATE TABLE IF NOT EXISTS alerts (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    type TEXT NOT NULL,
    severity TEXT NOT NULL,
    status TEXT NOT NULL,
    primary_entity TEXT NOT NULL,
    entities TEXT NOT NULL,
    risk_score REAL NOT NULL,
    evidence TEXT,
    occurrences BIGINT NOT NULL DEFAULT 1,
    escalated INTEGER NOT NULL DEFAULT 0,
    case_id TEXT,
    detected_at TIMESTAMP NOT NULL,
    acknowledged_at TIMESTAMP,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_alerts_tenant ON alerts(tenant_id);
CREATE INDEX IF NOT EXISTS idx_alerts_status ON alerts(tenant_id, status);
CREATE INDEX IF NOT EXISTS idx_alerts_entity ON alerts(tenant_id, primary_entity, type, detected_at);
`

const schemaCases = `
CREATE TABLE IF NOT EXISTS cases (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    case_number TEXT NOT NULL UNIQUE,
    status TEXT NOT NULL,
    severity TEXT NOT NULL,
    assigned_to TEXT,
    entities TEXT,
    alert_ids TEXT NOT NULL,
    tags TEXT,
    resolution TEXT,
    resolution_note TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    closed_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_cases_tenant ON cases(tenant_id);
CREATE INDEX IF NOT EXISTS idx_cases_status ON cases(tenant_id, status);
CREATE INDEX IF NOT EXISTS idx_cases_assignee ON cases(tenant_id, assigned_to);
`

// case_events is the append-only case timeline; rows are never updated or
// deleted.
const schemaCaseEvents = `
CREATE TABLE IF NOT EXISTS case_events (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    case_id TEXT NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    actor TEXT NOT NULL,
    kind TEXT NOT NULL,
    note TEXT,
    attachments TEXT
);

CREATE INDEX IF NOT EXISTS idx_case_events_case ON case_events(tenant_id, case_id, timestamp);
`

const schemaActions = `
CREATE TABLE IF NOT EXISTS actions (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    type TEXT NOT NULL,
    trigger_event_id TEXT NOT NULL,
    trigger_band TEXT NOT NULL,
    state TEXT NOT NULL,
    attempts INTEGER NOT NULL DEFAULT 0,
    parameters TEXT,
    log TEXT,
    created_at TIMESTAMP NOT NULL,
    executed_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_actions_tenant ON actions(tenant_id);
CREATE INDEX IF NOT EXISTS idx_actions_entity ON actions(tenant_id, entity_id, type);
`

const schemaOutcomes = `
CREATE TABLE IF NOT EXISTS model_outcomes (
    tenant_id TEXT NOT NULL,
    model_id TEXT NOT NULL,
    version TEXT NOT NULL,
    event_id TEXT NOT NULL,
    score REAL NOT NULL,
    predicted INTEGER NOT NULL,
    actual INTEGER NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, model_id, version, event_id)
);

CREATE INDEX IF NOT EXISTS idx_outcomes_model ON model_outcomes(tenant_id, model_id, version, timestamp);
`

const schemaCaseCounters = `
CREATE TABLE IF NOT EXISTS case_counters (
    tenant_id TEXT PRIMARY KEY,
    seq BIGINT NOT NULL DEFAULT 0
);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaProfiles,
		schemaEvents,
		schemaModels,
		schemaDecisions,
		schemaAlerts,
		schemaCases,
		schemaCaseEvents,
		schemaActions,
		schemaOutcomes,
		schemaCaseCounters,
	}
}
