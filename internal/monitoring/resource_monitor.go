// Package monitoring amostra recursos do processo (goroutines, heap, GC,
// CPU) em intervalo fixo. As amostras saem pelo log estruturado e ficam
// disponíveis para o endpoint /stats; nada aqui toca o hot path.
package monitoring

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/sirupsen/logrus"
)

// Config configuração do monitor de recursos
type Config struct {
	Enabled            bool
	Interval           time.Duration
	GoroutineThreshold int
	MemoryThresholdMB  int64
}

// Sample uma amostra de recursos do processo
type Sample struct {
	Timestamp     time.Time `json:"timestamp"`
	Goroutines    int       `json:"goroutines"`
	HeapAllocMB   int64     `json:"heap_alloc_mb"`
	HeapSysMB     int64     `json:"heap_sys_mb"`
	HeapObjects   uint64    `json:"heap_objects"`
	GCPauseMS     float64   `json:"gc_pause_ms"`
	NumGC         uint32    `json:"num_gc"`
	CPUPercent    float64   `json:"cpu_percent"`
	SystemMemUsed float64   `json:"system_mem_used_percent"`
}

// ResourceMonitor coleta amostras periódicas e alerta quando limites são
// ultrapassados.
type ResourceMonitor struct {
	config Config
	logger *logrus.Logger

	sample      Sample
	sampleMutex sync.RWMutex

	lastCPUTimes cpu.TimesStat
	haveCPUTimes bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewResourceMonitor cria um monitor de recursos.
func NewResourceMonitor(config Config, logger *logrus.Logger) *ResourceMonitor {
	if config.Interval <= 0 {
		config.Interval = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &ResourceMonitor{
		config: config,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start inicia a coleta periódica.
func (rm *ResourceMonitor) Start() error {
	if !rm.config.Enabled {
		rm.logger.Info("Resource monitoring disabled")
		return nil
	}

	rm.logger.WithFields(logrus.Fields{
		"interval":            rm.config.Interval,
		"goroutine_threshold": rm.config.GoroutineThreshold,
		"memory_threshold_mb": rm.config.MemoryThresholdMB,
	}).Info("Starting resource monitor")

	rm.wg.Add(1)
	go rm.loop()
	return nil
}

// Stop encerra a coleta.
func (rm *ResourceMonitor) Stop() error {
	if !rm.config.Enabled {
		return nil
	}

	rm.logger.Info("Stopping resource monitor")
	rm.cancel()
	rm.wg.Wait()
	return nil
}

// GetSample retorna a última amostra coletada.
func (rm *ResourceMonitor) GetSample() Sample {
	rm.sampleMutex.RLock()
	defer rm.sampleMutex.RUnlock()
	return rm.sample
}

func (rm *ResourceMonitor) loop() {
	defer rm.wg.Done()

	ticker := time.NewTicker(rm.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-rm.ctx.Done():
			return
		case <-ticker.C:
			s := rm.collect()

			rm.sampleMutex.Lock()
			rm.sample = s
			rm.sampleMutex.Unlock()

			rm.checkThresholds(s)

			rm.logger.WithFields(logrus.Fields{
				"goroutines":    s.Goroutines,
				"heap_alloc_mb": s.HeapAllocMB,
				"gc_pause_ms":   s.GCPauseMS,
				"cpu_percent":   s.CPUPercent,
			}).Debug("Resource sample collected")
		}
	}
}

func (rm *ResourceMonitor) collect() Sample {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	s := Sample{
		Timestamp:   time.Now().UTC(),
		Goroutines:  runtime.NumGoroutine(),
		HeapAllocMB: int64(memStats.HeapAlloc / 1024 / 1024),
		HeapSysMB:   int64(memStats.HeapSys / 1024 / 1024),
		HeapObjects: memStats.HeapObjects,
		NumGC:       memStats.NumGC,
	}
	if memStats.NumGC > 0 {
		s.GCPauseMS = float64(memStats.PauseNs[(memStats.NumGC+255)%256]) / 1e6
	}

	if times, err := cpu.Times(false); err == nil && len(times) > 0 {
		if rm.haveCPUTimes {
			total := times[0].Total() - rm.lastCPUTimes.Total()
			idle := times[0].Idle - rm.lastCPUTimes.Idle
			if total > 0 {
				s.CPUPercent = 100.0 * (total - idle) / total
			}
		}
		rm.lastCPUTimes = times[0]
		rm.haveCPUTimes = true
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		s.SystemMemUsed = vm.UsedPercent
	}

	return s
}

func (rm *ResourceMonitor) checkThresholds(s Sample) {
	if rm.config.GoroutineThreshold > 0 && s.Goroutines > rm.config.GoroutineThreshold {
		rm.logger.WithFields(logrus.Fields{
			"goroutines": s.Goroutines,
			"threshold":  rm.config.GoroutineThreshold,
		}).Warn("Goroutine count exceeded threshold")
	}
	if rm.config.MemoryThresholdMB > 0 && s.HeapAllocMB > rm.config.MemoryThresholdMB {
		rm.logger.WithFields(logrus.Fields{
			"heap_alloc_mb": s.HeapAllocMB,
			"threshold_mb":  rm.config.MemoryThresholdMB,
		}).Warn("Heap usage exceeded threshold")
	}
}
