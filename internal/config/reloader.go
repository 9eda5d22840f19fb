package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Reloader observa o arquivo de configuração e recarrega quando ele muda.
// Só os knobs dinâmicos são aplicados em runtime (nível de log, thresholds
// do breaker); o resto exige restart e é apenas logado como divergência.
type Reloader struct {
	config      ReloaderConfig
	logger      *logrus.Logger
	configFile  string
	currentHash string

	watcher *fsnotify.Watcher

	onChange func(old, new *Config) error

	current atomic.Value // *Config

	stopCh  chan struct{}
	wg      sync.WaitGroup
	running atomic.Bool

	statsMux sync.Mutex
	stats    ReloaderStats
}

// ReloaderConfig configuração do hot reload
type ReloaderConfig struct {
	Enabled          bool
	DebounceInterval time.Duration
	PollInterval     time.Duration
}

// ReloaderStats estatísticas de reload
type ReloaderStats struct {
	TotalReloads      int64     `json:"total_reloads"`
	SuccessfulReloads int64     `json:"successful_reloads"`
	FailedReloads     int64     `json:"failed_reloads"`
	LastReloadTime    time.Time `json:"last_reload_time"`
	LastError         string    `json:"last_error,omitempty"`
	ConfigVersion     string    `json:"config_version"`
}

// NewReloader cria um reloader para o arquivo dado. initial é a configuração
// já carregada no boot; onChange recebe a antiga e a nova a cada reload.
func NewReloader(cfg ReloaderConfig, configFile string, initial *Config, onChange func(old, new *Config) error, logger *logrus.Logger) (*Reloader, error) {
	r := &Reloader{
		config:     cfg,
		logger:     logger,
		configFile: configFile,
		onChange:   onChange,
		stopCh:     make(chan struct{}),
	}
	r.current.Store(initial)

	if !cfg.Enabled {
		return r, nil
	}

	if configFile == "" {
		return nil, fmt.Errorf("hot reload enabled but no config file given")
	}
	if r.config.DebounceInterval <= 0 {
		r.config.DebounceInterval = time.Second
	}
	if r.config.PollInterval <= 0 {
		r.config.PollInterval = 30 * time.Second
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	r.watcher = watcher

	if hash, err := hashFile(configFile); err == nil {
		r.currentHash = hash
		r.stats.ConfigVersion = hash
	}

	return r, nil
}

// Start inicia a observação do arquivo.
func (r *Reloader) Start() error {
	if !r.config.Enabled {
		r.logger.Info("Config hot reload disabled")
		return nil
	}
	if r.running.Load() {
		return fmt.Errorf("config reloader already running")
	}

	// observa o diretório: editores e ConfigMaps trocam o arquivo por
	// rename, e o watch no path antigo morre junto
	dir := filepath.Dir(r.configFile)
	if err := r.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	r.running.Store(true)
	r.wg.Add(1)
	go r.watchLoop()

	r.logger.WithFields(logrus.Fields{
		"config_file":   r.configFile,
		"poll_interval": r.config.PollInterval,
	}).Info("Config hot reload started")

	return nil
}

// Stop encerra a observação.
func (r *Reloader) Stop() error {
	if !r.running.Load() {
		return nil
	}
	r.running.Store(false)

	close(r.stopCh)
	if r.watcher != nil {
		r.watcher.Close()
	}
	r.wg.Wait()

	r.logger.Info("Config hot reload stopped")
	return nil
}

// Current retorna a configuração vigente.
func (r *Reloader) Current() *Config {
	if c := r.current.Load(); c != nil {
		return c.(*Config)
	}
	return nil
}

// Stats retorna as estatísticas de reload.
func (r *Reloader) Stats() ReloaderStats {
	r.statsMux.Lock()
	defer r.statsMux.Unlock()
	return r.stats
}

// TriggerReload força um reload imediato, ignorando o debounce.
func (r *Reloader) TriggerReload() error {
	if !r.config.Enabled {
		return fmt.Errorf("config reloader is disabled")
	}
	return r.reload()
}

func (r *Reloader) watchLoop() {
	defer r.wg.Done()

	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}
	pending := false

	poll := time.NewTicker(r.config.PollInterval)
	defer poll.Stop()

	for {
		select {
		case <-r.stopCh:
			return

		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if !r.relevantEvent(event) {
				continue
			}
			r.logger.WithFields(logrus.Fields{
				"file":      event.Name,
				"operation": event.Op.String(),
			}).Debug("Config file change detected")

			if !debounce.Stop() {
				select {
				case <-debounce.C:
				default:
				}
			}
			debounce.Reset(r.config.DebounceInterval)
			pending = true

		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.logger.WithError(err).Error("File watcher error")

		case <-poll.C:
			// fallback por hash para filesystems sem eventos confiáveis
			if hash, err := hashFile(r.configFile); err == nil && hash != r.currentHash {
				pending = true
				debounce.Reset(0)
			}

		case <-debounce.C:
			if !pending {
				continue
			}
			pending = false
			if err := r.reload(); err != nil {
				r.logger.WithError(err).Error("Config reload failed")
			}
		}
	}
}

func (r *Reloader) relevantEvent(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return false
	}
	abs, err := filepath.Abs(event.Name)
	if err != nil {
		return false
	}
	target, err := filepath.Abs(r.configFile)
	if err != nil {
		return false
	}
	return abs == target
}

func (r *Reloader) reload() error {
	start := time.Now()

	r.statsMux.Lock()
	r.stats.TotalReloads++
	r.stats.LastReloadTime = start
	r.statsMux.Unlock()

	newHash, err := hashFile(r.configFile)
	if err != nil {
		return r.fail(fmt.Errorf("failed to hash config file: %w", err))
	}
	if newHash == r.currentHash {
		return nil
	}

	newConfig, err := LoadConfig(r.configFile)
	if err != nil {
		return r.fail(fmt.Errorf("failed to load new config: %w", err))
	}

	old := r.Current()
	if r.onChange != nil {
		if err := r.onChange(old, newConfig); err != nil {
			return r.fail(fmt.Errorf("failed to apply config changes: %w", err))
		}
	}

	r.current.Store(newConfig)
	r.currentHash = newHash

	r.statsMux.Lock()
	r.stats.SuccessfulReloads++
	r.stats.ConfigVersion = newHash
	r.stats.LastError = ""
	r.statsMux.Unlock()

	r.logger.WithFields(logrus.Fields{
		"reload_time":    time.Since(start),
		"config_version": newHash[:8],
	}).Info("Config reloaded")

	return nil
}

func (r *Reloader) fail(err error) error {
	r.statsMux.Lock()
	r.stats.FailedReloads++
	r.stats.LastError = err.Error()
	r.statsMux.Unlock()
	return err
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
