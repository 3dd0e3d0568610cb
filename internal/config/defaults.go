package config

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Index.Directory == "" {
		cfg.Index.Directory = "/usr/local/var/kensaku/data/indexes"
	}
	if cfg.Index.DefaultName == "" {
		cfg.Index.DefaultName = "default"
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "disk"
	}
	if cfg.Storage.DocumentsPath == "" {
		cfg.Storage.DocumentsPath = "/usr/local/var/kensaku/data/documents"
	}
	if cfg.Storage.DatabasePath == "" {
		cfg.Storage.DatabasePath = "/usr/local/var/kensaku/data/documents.db"
	}
	if cfg.Search.DefaultTake == 0 {
		cfg.Search.DefaultTake = 10
	}
	if cfg.Search.MaxTake == 0 {
		cfg.Search.MaxTake = 100
	}
	if cfg.Search.DefaultStrict == nil {
		t := true
		cfg.Search.DefaultStrict = &t
	}
	if cfg.Search.ResolveConcurrency == 0 {
		cfg.Search.ResolveConcurrency = 8
	}
	if cfg.Keyword.MaxCount == 0 {
		cfg.Keyword.MaxCount = 200
	}
	if cfg.Keyword.MaxLength == 0 {
		cfg.Keyword.MaxLength = 20
	}
	if cfg.Keyword.MinLength == 0 {
		cfg.Keyword.MinLength = 2
	}
	if cfg.Cache.MemoryEntries == 0 {
		cfg.Cache.MemoryEntries = 1024
	}
	if cfg.Cache.Watch == nil {
		t := true
		cfg.Cache.Watch = &t
	}
	if cfg.Import.Extensions == nil {
		cfg.Import.Extensions = []string{".txt", ".md", ".html", ".pdf", ".docx", ".xlsx", ".odt", ".rtf"}
	}
}
