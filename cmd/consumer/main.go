// Command consumer tails the pool-request event topic and keeps the Redis
// geo discovery index in sync: opened requests become searchable, anything
// terminal is removed. The API server is the writer of record; this process
// only mirrors its events, so it can be restarted or replayed safely.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-pooling/internal/pools"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_pool_events_consumed_total",
		Help: "Total pool lifecycle events consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_pool_events_invalid_total",
		Help: "Total undecodable events received",
	})
	indexUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_index_updates_total",
		Help: "Total successful geo index updates",
	})
	indexErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_index_errors_total",
		Help: "Total geo index update errors",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, indexUpdates, indexErrors)
}

func main() {
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.Parse()

	brokers := []string{"localhost:9092"}
	if env := os.Getenv("KAFKA_BROKERS"); env != "" {
		brokers = brokers[:0]
		for _, b := range strings.Split(env, ",") {
			if s := strings.TrimSpace(b); s != "" {
				brokers = append(brokers, s)
			}
		}
	}
	topic := getenv("KAFKA_POOL_TOPIC", "pool-requests")
	group := getenv("KAFKA_GROUP", "ride-pooling-consumer")
	redisAddr := getenv("REDIS_ADDR", "localhost:6379")
	geoKey := getenv("REDIS_GEO_KEY", "pool_requests_geo")

	rc := redis.NewClient(&redis.Options{Addr: redisAddr, Password: os.Getenv("REDIS_PASSWORD")})
	updater := &redisUpdater{c: rc, key: geoKey}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		log.Printf("metrics/health listening on %s", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: topic, GroupID: group, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	log.Printf("consumer listening topic=%s brokers=%v group=%s", topic, brokers, group)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Println("shutting down consumer")
				return
			}
			log.Printf("kafka read error: %v; backing off %s", err, backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		msgsConsumed.Inc()

		var ev pools.Event
		if err := json.Unmarshal(m.Value, &ev); err != nil || ev.Request.ID == "" {
			msgsInvalid.Inc()
			log.Printf("invalid event: %v", err)
			continue
		}

		if err := applyEventWithRetry(ctx, updater, ev, 3, 200*time.Millisecond); err != nil {
			indexErrors.Inc()
			log.Printf("index update failed for request=%s kind=%s: %v", ev.Request.ID, ev.Kind, err)
			continue
		}
		indexUpdates.Inc()
	}
}

// IndexUpdater is the small subset of index operations needed here, kept as
// an interface so tests can run without a live Redis.
type IndexUpdater interface {
	Upsert(ctx context.Context, ev pools.Event) error
	Remove(ctx context.Context, requestID string) error
}

type redisUpdater struct {
	c   *redis.Client
	key string
}

func (r *redisUpdater) Upsert(ctx context.Context, ev pools.Event) error {
	pr := ev.Request
	loc := &redis.GeoLocation{Longitude: pr.Pickup.Point.Lon, Latitude: pr.Pickup.Point.Lat, Name: pr.ID}
	if _, err := r.c.GeoAdd(ctx, r.key, loc).Result(); err != nil {
		return err
	}
	return r.c.HSet(ctx, "pool:meta:"+pr.ID, map[string]interface{}{
		"requester": pr.RequesterID,
		"depart_at": pr.DepartAt.Format(time.RFC3339),
		"seats":     strconv.Itoa(pr.SeatsNeeded),
		"updated":   time.Now().Format(time.RFC3339),
	}).Err()
}

func (r *redisUpdater) Remove(ctx context.Context, requestID string) error {
	if err := r.c.ZRem(ctx, r.key, requestID).Err(); err != nil {
		return err
	}
	return r.c.Del(ctx, "pool:meta:"+requestID).Err()
}

// applyEvent routes one lifecycle event to the index: opened requests are
// discoverable, every terminal kind drops the entry.
func applyEvent(ctx context.Context, idx IndexUpdater, ev pools.Event) error {
	switch ev.Kind {
	case pools.EventOpened:
		return idx.Upsert(ctx, ev)
	case pools.EventMatched, pools.EventCompleted, pools.EventCancelled, pools.EventDeleted:
		return idx.Remove(ctx, ev.Request.ID)
	default:
		return nil
	}
}

func applyEventWithRetry(ctx context.Context, idx IndexUpdater, ev pools.Event, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = applyEvent(ctx, idx, ev); err == nil {
			return nil
		}
		if i < attempts-1 {
			time.Sleep(delay)
			delay *= 2
		}
	}
	return err
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
