// Package flaky serves an HTTP dependency that fails on purpose. It backs
// the retrydemo http command and the client tests.
package flaky

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// Item is the payload returned once a key has failed enough times.
type Item struct {
	Key      string `json:"key"`
	Attempts int    `json:"attempts"`
	Status   string `json:"status"`
}

// Options configures the flaky service.
type Options struct {
	// Failures is how many requests per key answer 503 before one succeeds.
	Failures int
	// RateLimit, when positive, limits each client to one request per period.
	RateLimit time.Duration
	// Token, when set, is required as a bearer token.
	Token  string
	Logger *slog.Logger
}

// Service counts requests per key and fails the first Failures of them.
type Service struct {
	opts Options
	log  *slog.Logger

	mu   sync.Mutex
	hits map[string]int
}

// NewService creates a Service.
func NewService(opts Options) *Service {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Service{opts: opts, log: log, hits: make(map[string]int)}
}

// Hits returns how many requests key has received.
func (s *Service) Hits(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[key]
}

// Router builds the gin engine: GET /items/:key and GET /healthz.
func (s *Service) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	items := r.Group("/items")
	if s.opts.Token != "" {
		items.Use(s.auth)
	}
	if s.opts.RateLimit > 0 {
		items.Use(NewRateLimiter(s.opts.RateLimit).Middleware())
	}
	items.GET("/:key", s.getItem)
	return r
}

func (s *Service) auth(c *gin.Context) {
	if c.GetHeader("Authorization") != "Bearer "+s.opts.Token {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Next()
}

func (s *Service) getItem(c *gin.Context) {
	key := c.Param("key")

	s.mu.Lock()
	s.hits[key]++
	n := s.hits[key]
	s.mu.Unlock()

	if n <= s.opts.Failures {
		s.log.Debug("failing request on purpose", "key", key, "hit", n)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "simulated intermittent failure"})
		return
	}
	c.JSON(http.StatusOK, Item{Key: key, Attempts: n, Status: "ok"})
}
