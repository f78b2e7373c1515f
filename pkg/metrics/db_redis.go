package metrics

import (
	"context"
	"database/sql"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
)

var (
	DbPoolOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fxpulse_db_pool_open",
		Help: "Current open DB connections",
	})
	DbPoolIdle      = promauto.NewGauge(prometheus.GaugeOpts{Name: "fxpulse_db_pool_idle"})
	DbPoolInuse     = promauto.NewGauge(prometheus.GaugeOpts{Name: "fxpulse_db_pool_inuse"})
	DbPoolWaitCount = promauto.NewGauge(prometheus.GaugeOpts{Name: "fxpulse_db_pool_wait_count"})

	RedisPoolOpen     = promauto.NewGauge(prometheus.GaugeOpts{Name: "fxpulse_redis_pool_open"})
	RedisPoolIdle     = promauto.NewGauge(prometheus.GaugeOpts{Name: "fxpulse_redis_pool_idle"})
	RedisPoolStale    = promauto.NewGauge(prometheus.GaugeOpts{Name: "fxpulse_redis_pool_stale"})
	RedisPoolTimeouts = promauto.NewGauge(prometheus.GaugeOpts{Name: "fxpulse_redis_pool_timeouts"})
)

// SamplePools copies pool statistics into gauges every interval until ctx ends.
// Either handle may be nil when that sink is disabled.
func SamplePools(ctx context.Context, db *sql.DB, rdb *redis.Client, every time.Duration) {
	if every <= 0 {
		every = 5 * time.Second
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			samplePools(db, rdb)
		}
	}
}

func samplePools(db *sql.DB, rdb *redis.Client) {
	if db != nil {
		st := db.Stats()
		DbPoolOpen.Set(float64(st.OpenConnections))
		DbPoolIdle.Set(float64(st.Idle))
		DbPoolInuse.Set(float64(st.InUse))
		DbPoolWaitCount.Set(float64(st.WaitCount))
	}
	if rdb != nil {
		st := rdb.PoolStats()
		RedisPoolOpen.Set(float64(st.TotalConns))
		RedisPoolIdle.Set(float64(st.IdleConns))
		RedisPoolStale.Set(float64(st.StaleConns))
		RedisPoolTimeouts.Set(float64(st.Timeouts))
	}
}
