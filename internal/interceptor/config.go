package interceptor

// Config хранит неизменяемый снимок набора отслеживания и флага включения.
// Снимок целиком заменяется при каждом обновлении, слияния нет.
type Config struct {
	hashes  map[string]struct{}
	order   []string
	enabled bool
}

// NewConfig строит снимок; дубликаты схлопываются.
func NewConfig(hashes []string, enabled bool) *Config {
	c := &Config{hashes: make(map[string]struct{}, len(hashes)), enabled: enabled}
	for _, h := range hashes {
		if _, ok := c.hashes[h]; ok {
			continue
		}
		c.hashes[h] = struct{}{}
		c.order = append(c.order, h)
	}
	return c
}

func (c *Config) Enabled() bool { return c.enabled }

func (c *Config) Watching(hash string) bool {
	_, ok := c.hashes[hash]
	return ok
}

// Hashes возвращает копию набора в исходном порядке.
func (c *Config) Hashes() []string {
	return append([]string(nil), c.order...)
}

func (c *Config) Len() int { return len(c.order) }
