package taskengine

import platformlogger "github.com/linkflow-ai/taskengine/internal/platform/logger"

// Logger is the structured-logging contract every engine component takes,
// aliased to the platform logger so callers configure one logger (zap-backed,
// per SPEC_FULL.md §4.1) for both the engine and the rest of the process.
type Logger = platformlogger.Logger
