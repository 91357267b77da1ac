package config

// ConfigDiff describes what changed between two configs.
// Only the log level can be applied without a restart; other changes are
// reported so the operator can be told.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// UpstreamChanged is true when anything affecting newly minted sessions
	// changed (model, voice, VAD, endpoints, credentials).
	UpstreamChanged bool

	// PromptFileChanged is true when the prompt file path changed. Edits to
	// the file itself need no reload.
	PromptFileChanged bool

	// RestartRequired lists top-level sections that changed and are only read
	// at startup.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.UpstreamChanged && !d.PromptFileChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	d.PromptFileChanged = old.Upstream.PromptFile != new.Upstream.PromptFile
	d.UpstreamChanged = !upstreamEqual(&old.Upstream, &new.Upstream)

	if old.Server.ListenAddr != new.Server.ListenAddr || !tlsEqual(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Store != new.Store {
		d.RestartRequired = append(d.RestartRequired, "store")
	}
	if old.Observe != new.Observe {
		d.RestartRequired = append(d.RestartRequired, "observe")
	}

	return d
}

func upstreamEqual(a, b *UpstreamConfig) bool {
	if a.APIKey != b.APIKey || a.BaseURL != b.BaseURL || a.Model != b.Model ||
		a.Voice != b.Voice || a.TranscriptionModel != b.TranscriptionModel ||
		a.VAD != b.VAD || a.MaxRetries != b.MaxRetries {
		return false
	}
	if len(a.Fallbacks) != len(b.Fallbacks) {
		return false
	}
	for i := range a.Fallbacks {
		if a.Fallbacks[i] != b.Fallbacks[i] {
			return false
		}
	}
	return true
}

func tlsEqual(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
