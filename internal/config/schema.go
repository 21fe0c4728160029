package config

// schemaJSON validates the decoded configuration after TOML parsing
// (validate compiles this once and checks the instance against it).
const schemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["database"],
  "properties": {
    "log": {
      "type": "object",
      "properties": {
        "level": {"type": "string"},
        "dir": {"type": "string"}
      }
    },
    "database": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["db", "replicate"],
        "properties": {
          "db": {"type": "string", "minLength": 1},
          "replicate": {
            "type": "array",
            "minItems": 1,
            "items": {
              "type": "object",
              "required": ["type"],
              "properties": {
                "type": {"enum": ["fs", "s3", "gcs", "azblob", "ftp"]},
                "allow_insecure": {"type": "boolean"}
              }
            }
          },
          "min_checkpoint_page_number": {"type": "integer", "minimum": 1},
          "max_checkpoint_page_number": {"type": "integer", "minimum": 1},
          "truncate_page_number": {"type": "integer", "minimum": 1},
          "checkpoint_interval_secs": {"type": "integer", "minimum": 1}
        }
      }
    }
  }
}`
