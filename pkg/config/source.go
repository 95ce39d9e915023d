package config

// Source hands out configuration snapshots. Implementations must not cache:
// operators edit the file while the relay is running.
type Source interface {
	Load() (*Config, error)
}

// FileSource re-reads the file and environment on every Load.
type FileSource struct {
	Path string
}

func NewFileSource(path string) *FileSource {
	return &FileSource{Path: path}
}

func (s *FileSource) Load() (*Config, error) {
	return LoadConfig(s.Path)
}

// StaticSource always returns a copy of the same configuration; used by tests
// and one-shot commands.
type StaticSource struct {
	cfg Config
}

func NewStaticSource(cfg *Config) *StaticSource {
	return &StaticSource{cfg: *cfg}
}

func (s *StaticSource) Load() (*Config, error) {
	c := s.cfg
	c.AllowedUsers = append(FlexibleStringSlice(nil), s.cfg.AllowedUsers...)
	return &c, nil
}
