package config

// configSchema constrains the YAML configuration document. Durations are
// YAML strings ("90s", "24h"); numbers are bounded to sane ranges.
const configSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "execution_mode": {"enum": ["strict", "hybrid_opt_in", "local_only"]},
    "profile": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "name": {"type": "string", "minLength": 1},
        "network_egress_allowed": {"type": "boolean"},
        "audio_egress_allowed": {"type": "boolean"},
        "guard": {"type": "string"}
      }
    },
    "auth_required": {"type": "boolean"},
    "secure_context_required": {"type": "boolean"},
    "auth_secret_env": {"type": "string"},
    "capture": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "enabled": {"type": "boolean"},
        "provider": {"enum": ["manual", "local_streaming", "local_batch", "cloud_streaming"]},
        "chunk_ms": {"type": "integer", "minimum": 1000, "maximum": 120000},
        "overlap_ms": {"type": "integer", "minimum": 0, "maximum": 5000},
        "vad_threshold": {"type": "number", "minimum": 0, "maximum": 1},
        "max_retries": {"type": "integer", "minimum": 0, "maximum": 10},
        "model_bundle": {"type": "string"},
        "max_segments": {"type": "integer", "minimum": 1},
        "max_total_chars": {"type": "integer", "minimum": 1}
      }
    },
    "vault": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "path": {"type": "string"},
        "memory_only": {"type": "boolean"},
        "ttl": {"type": "string"},
        "sweep_interval": {"type": "string"},
        "autosave_debounce": {"type": "string"}
      }
    },
    "store": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "path": {"type": "string"},
        "ttl": {"type": "string"},
        "audit_cap": {"type": "integer", "minimum": 1},
        "audit_ttl": {"type": "string"}
      }
    },
    "view": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "lock_after": {"type": "string"},
        "purge_after": {"type": "string"},
        "reveal_hold": {"type": "string"},
        "reveal_for": {"type": "string"}
      }
    },
    "refine": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "url": {"type": "string"},
        "model": {"type": "string"},
        "required": {"type": "boolean"},
        "retries": {"type": "integer", "minimum": 0, "maximum": 10}
      }
    },
    "sync": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "configured": {"type": "boolean"},
        "sink": {"enum": ["s3", "gcs"]},
        "bucket": {"type": "string"}
      }
    }
  }
}`
