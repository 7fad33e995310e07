package postgres

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 001: PATIENTS AND SIGNALS
// ══════════════════════════════════════════════════════════════════════════════

const migration001Up = `
CREATE TABLE IF NOT EXISTS patients (
    id UUID PRIMARY KEY,
    external_ref VARCHAR(100) NOT NULL DEFAULT '',
    status VARCHAR(20) NOT NULL DEFAULT 'onboarding',
    timezone VARCHAR(64) NOT NULL DEFAULT 'UTC',
    suggestions_paused BOOLEAN NOT NULL DEFAULT FALSE,
    enrolled_at TIMESTAMP WITH TIME ZONE NOT NULL,
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
    discharged_at TIMESTAMP WITH TIME ZONE,

    CONSTRAINT valid_patient_status CHECK (status IN ('onboarding', 'active', 'discharged', 'archived'))
);

CREATE INDEX IF NOT EXISTS idx_patients_tracked ON patients(id) WHERE status IN ('onboarding', 'active');

CREATE TABLE IF NOT EXISTS checkins (
    id UUID PRIMARY KEY,
    patient_id UUID NOT NULL REFERENCES patients(id) ON DELETE CASCADE,
    at TIMESTAMP WITH TIME ZONE NOT NULL,
    dimensions JSONB NOT NULL DEFAULT '{}'::jsonb,
    context_tags TEXT[] NOT NULL DEFAULT '{}',
    high_distress BOOLEAN NOT NULL DEFAULT FALSE,
    arousal DOUBLE PRECISION
);

CREATE INDEX IF NOT EXISTS idx_checkins_patient_at ON checkins(patient_id, at DESC);

CREATE TABLE IF NOT EXISTS crisis_flags (
    id UUID PRIMARY KEY,
    patient_id UUID NOT NULL REFERENCES patients(id) ON DELETE CASCADE,
    at TIMESTAMP WITH TIME ZONE NOT NULL,
    source VARCHAR(50) NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_crisis_flags_patient_at ON crisis_flags(patient_id, at);
`

const migration001Down = `
DROP TABLE IF EXISTS crisis_flags;
DROP TABLE IF EXISTS checkins;
DROP TABLE IF EXISTS patients;
`

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 002: MICRO-BLOCK EVENTS AND STATES
// ══════════════════════════════════════════════════════════════════════════════

const migration002Up = `
-- Append-only: rows are inserted, never updated or deleted.
CREATE TABLE IF NOT EXISTS assessment_events (
    id UUID PRIMARY KEY,
    patient_id UUID NOT NULL REFERENCES patients(id) ON DELETE CASCADE,
    microblock_id VARCHAR(16) NOT NULL,
    catalog_version INTEGER NOT NULL,
    signal JSONB NOT NULL DEFAULT '{}'::jsonb,
    score DOUBLE PRECISION NOT NULL,
    derived_light VARCHAR(10) NOT NULL,
    derived_confidence DOUBLE PRECISION NOT NULL,
    source VARCHAR(30) NOT NULL,
    backfill BOOLEAN NOT NULL DEFAULT FALSE,
    context_tags TEXT[] NOT NULL DEFAULT '{}',
    clinician_id VARCHAR(100) NOT NULL DEFAULT '',
    note TEXT NOT NULL DEFAULT '',
    occurred_at TIMESTAMP WITH TIME ZONE NOT NULL,
    recorded_at TIMESTAMP WITH TIME ZONE NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_stream ON assessment_events(patient_id, microblock_id, occurred_at);
CREATE INDEX IF NOT EXISTS idx_events_patient_at ON assessment_events(patient_id, occurred_at);

CREATE OR REPLACE FUNCTION reject_event_mutation()
RETURNS TRIGGER AS $$
BEGIN
    RAISE EXCEPTION '% is append-only', TG_TABLE_NAME;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS assessment_events_append_only ON assessment_events;
CREATE TRIGGER assessment_events_append_only
    BEFORE UPDATE OR DELETE ON assessment_events
    FOR EACH ROW
    EXECUTE FUNCTION reject_event_mutation();

CREATE TABLE IF NOT EXISTS microblock_states (
    patient_id UUID NOT NULL REFERENCES patients(id) ON DELETE CASCADE,
    microblock_id VARCHAR(16) NOT NULL,
    state JSONB NOT NULL,
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    PRIMARY KEY (patient_id, microblock_id)
);
`

const migration002Down = `
DROP TABLE IF EXISTS microblock_states;
DROP TRIGGER IF EXISTS assessment_events_append_only ON assessment_events;
DROP FUNCTION IF EXISTS reject_event_mutation();
DROP TABLE IF EXISTS assessment_events;
`

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 003: BASELINES, PATTERNS, DECISIONS
// ══════════════════════════════════════════════════════════════════════════════

const migration003Up = `
CREATE TABLE IF NOT EXISTS baselines (
    patient_id UUID PRIMARY KEY REFERENCES patients(id) ON DELETE CASCADE,
    status VARCHAR(20) NOT NULL,
    record JSONB NOT NULL,
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_baselines_status ON baselines(status);

CREATE TABLE IF NOT EXISTS patterns (
    id UUID PRIMARY KEY,
    patient_id UUID NOT NULL REFERENCES patients(id) ON DELETE CASCADE,
    status VARCHAR(20) NOT NULL,
    record JSONB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_patterns_patient ON patterns(patient_id, id);

-- Append-only audit log.
CREATE TABLE IF NOT EXISTS decisions (
    id UUID PRIMARY KEY,
    patient_id UUID NOT NULL REFERENCES patients(id) ON DELETE CASCADE,
    action VARCHAR(20) NOT NULL,
    created_at TIMESTAMP WITH TIME ZONE NOT NULL,
    record JSONB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_decisions_patient_at ON decisions(patient_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_decisions_escalations ON decisions(created_at) WHERE action = 'ESCALATE';

DROP TRIGGER IF EXISTS decisions_append_only ON decisions;
CREATE TRIGGER decisions_append_only
    BEFORE UPDATE OR DELETE ON decisions
    FOR EACH ROW
    EXECUTE FUNCTION reject_event_mutation();
`

const migration003Down = `
DROP TRIGGER IF EXISTS decisions_append_only ON decisions;
DROP TABLE IF EXISTS decisions;
DROP TABLE IF EXISTS patterns;
DROP TABLE IF EXISTS baselines;
`

// seq is the escalation feed cursor. Escalation inserts take an advisory
// lock, so seq order matches commit order for them.
const migration004Up = `
ALTER TABLE decisions ADD COLUMN IF NOT EXISTS seq BIGSERIAL;
CREATE UNIQUE INDEX IF NOT EXISTS idx_decisions_seq ON decisions(seq);
CREATE INDEX IF NOT EXISTS idx_decisions_escalation_seq ON decisions(seq) WHERE action = 'ESCALATE';
`

const migration004Down = `
DROP INDEX IF EXISTS idx_decisions_escalation_seq;
DROP INDEX IF EXISTS idx_decisions_seq;
ALTER TABLE decisions DROP COLUMN IF EXISTS seq;
`

// GetMigrations returns all embedded migrations.
func GetMigrations() []Migration {
	return []Migration{
		{Version: 1, Name: "create_patients", UpSQL: migration001Up, DownSQL: migration001Down},
		{Version: 2, Name: "create_microblock_log", UpSQL: migration002Up, DownSQL: migration002Down},
		{Version: 3, Name: "create_decision_log", UpSQL: migration003Up, DownSQL: migration003Down},
		{Version: 4, Name: "add_decision_seq", UpSQL: migration004Up, DownSQL: migration004Down},
	}
}
