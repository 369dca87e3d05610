// Package config provides configuration management for Confidant.
//
// # Overview
//
// The config package uses Viper to load configuration from YAML files and
// environment variables. It provides a typed configuration structure with
// validation, default values, and automatic file creation.
//
// # Configuration File
//
// The configuration is stored at ~/.confidant/config.yaml and is created with
// defaults on first use. The file structure mirrors the structs in this package.
//
// # Environment Variables
//
// Values present in the file can be overridden using environment variables
// with the CONFIDANT_ prefix. Nested fields are separated by underscores.
//
// Examples:
//   - CONFIDANT_LLM_DEFAULT_MODEL=groq-llama3.1
//   - CONFIDANT_LOGGING_LEVEL=debug
//
// The hosted provider's key is normally read from GROQ_API_KEY by the llm
// package rather than stored here.
//
// # Sections
//
//   - llm: default catalog model, per-provider endpoints and request defaults,
//     hosted retry count and client-side rate limits, optional catalog override
//   - storage: data directory, document key and document version
//   - logging: level and log file
//   - assistant: fallback user name and history limit
package config
