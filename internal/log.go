package internal

import "log/slog"

// LevelTrace is the most verbose level used by the engine. It is below
// [slog.LevelDebug] so it is filtered out by default handlers.
const LevelTrace slog.Level = slog.LevelDebug - 2
