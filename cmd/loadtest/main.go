package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Token    string `json:"-"`

	conversationID string
	peerID         string
}

type OperationType int

const (
	WriteOperation OperationType = iota
	ReadOperation
	GraphOperation
)

var opNames = map[OperationType]string{
	WriteOperation: "write",
	ReadOperation:  "read",
	GraphOperation: "degree",
}

type Stats struct {
	sync.Mutex
	totalRequests   int64
	successRequests int64
	failedRequests  int64
	totalLatency    time.Duration
	maxLatency      time.Duration
	minLatency      time.Duration
	latencies       map[OperationType][]time.Duration
}

func (s *Stats) recordSuccess(latency time.Duration, opType OperationType) {
	s.Lock()
	defer s.Unlock()
	s.totalRequests++
	s.successRequests++
	s.totalLatency += latency
	if latency > s.maxLatency {
		s.maxLatency = latency
	}
	if s.minLatency == 0 || latency < s.minLatency {
		s.minLatency = latency
	}
	s.latencies[opType] = append(s.latencies[opType], latency)
}

func (s *Stats) recordError() {
	s.Lock()
	defer s.Unlock()
	s.totalRequests++
	s.failedRequests++
}

func (s *Stats) p99(opType OperationType) time.Duration {
	s.Lock()
	defer s.Unlock()

	latencies := s.latencies[opType]
	if len(latencies) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(latencies))
	copy(sorted, latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int(float64(len(sorted)) * 0.99)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

type client struct {
	baseURL string
	http    *http.Client
}

// call sends a JSON request and decodes a JSON answer into out when given.
func (c *client) call(ctx context.Context, method, path, token string, body, out interface{}) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s failed with status: %d", method, path, resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *client) registerUser(ctx context.Context, runID string, id int) (*User, error) {
	var result struct {
		Token string `json:"token"`
		User  User   `json:"user"`
	}
	err := c.call(ctx, http.MethodPost, "/api/auth/register", "", map[string]string{
		"username": fmt.Sprintf("lt%s%d", runID, id),
		"password": "testpass123",
		"avatar":   fmt.Sprintf("https://avatar.com/%d", id),
	}, &result)
	if err != nil {
		return nil, err
	}
	result.User.Token = result.Token
	return &result.User, nil
}

// pair connects a and b and opens their conversation.
func (c *client) pair(ctx context.Context, a, b *User) error {
	var req struct {
		ID string `json:"id"`
	}
	if err := c.call(ctx, http.MethodPost, "/api/connections/requests", a.Token,
		map[string]string{"receiver_id": b.ID}, &req); err != nil {
		return err
	}
	if err := c.call(ctx, http.MethodPost, "/api/connections/requests/"+req.ID+"/accept", b.Token, nil, nil); err != nil {
		return err
	}

	var conv struct {
		ID string `json:"id"`
	}
	if err := c.call(ctx, http.MethodPost, "/api/conversations", a.Token,
		map[string]string{"participant_id": b.ID}, &conv); err != nil {
		return err
	}
	a.conversationID, b.conversationID = conv.ID, conv.ID
	a.peerID, b.peerID = b.ID, a.ID
	return nil
}

func (c *client) simulateUser(ctx context.Context, user *User, users []*User, rate int, stats *Stats, logger *zap.Logger) {
	ticker := time.NewTicker(time.Second / time.Duration(rate))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		var (
			op  OperationType
			err error
		)
		start := time.Now()
		switch roll := rand.Float32(); {
		case roll < 0.45:
			op = WriteOperation
			err = c.call(ctx, http.MethodPost, "/api/conversations/"+user.conversationID+"/messages", user.Token,
				map[string]string{"content": fmt.Sprintf("Test message from %s at %s", user.Username, time.Now().Format(time.RFC3339))}, nil)
		case roll < 0.9:
			op = ReadOperation
			err = c.call(ctx, http.MethodGet, "/api/conversations/"+user.conversationID+"/messages?limit=20", user.Token, nil, nil)
		default:
			op = GraphOperation
			target := users[rand.Intn(len(users))]
			err = c.call(ctx, http.MethodGet, "/api/connections/degree/"+target.ID, user.Token, nil, nil)
		}
		latency := time.Since(start)

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			stats.recordError()
			logger.Debug("Request failed", zap.String("op", opNames[op]), zap.Error(err))
			continue
		}
		stats.recordSuccess(latency, op)
	}
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "Server base URL")
	numUsers := flag.Int("users", 1000, "Number of simulated users (rounded down to an even number)")
	rate := flag.Int("rate", 1, "Requests per second per user")
	duration := flag.Duration("duration", 60*time.Second, "Simulation time")
	concurrency := flag.Int("concurrency", 100, "Parallel setup requests")
	verbose := flag.Bool("v", false, "Log every failed request")
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	if !*verbose {
		logger, _ = zap.NewProduction()
	}
	defer logger.Sync()

	n := *numUsers - *numUsers%2
	if n < 2 || *rate < 1 {
		logger.Fatal("Need at least two users and a positive rate")
	}

	logger.Info("Starting load test",
		zap.Int("users", n),
		zap.Int("rate", *rate),
		zap.Duration("duration", *duration))
	logger.Info("Make sure the server runs with the -loadtest flag so a separate database is used")

	c := &client{baseURL: *baseURL, http: &http.Client{Timeout: 5 * time.Second}}
	ctx := context.Background()
	runID := fmt.Sprintf("%d", time.Now().Unix()%100000)

	users := make([]*User, n)
	setupStart := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(*concurrency)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			user, err := c.registerUser(gctx, runID, i)
			if err != nil {
				return fmt.Errorf("failed to register user %d: %w", i, err)
			}
			users[i] = user
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		logger.Fatal("User registration failed", zap.Error(err))
	}
	logger.Info("Users registered",
		zap.Duration("elapsed", time.Since(setupStart)),
		zap.Float64("users_per_sec", float64(n)/time.Since(setupStart).Seconds()))

	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(*concurrency)
	for i := 0; i < n; i += 2 {
		a, b := users[i], users[i+1]
		g.Go(func() error {
			return c.pair(gctx, a, b)
		})
	}
	if err := g.Wait(); err != nil {
		logger.Fatal("Connecting users failed", zap.Error(err))
	}
	logger.Info("Users connected in pairs", zap.Int("conversations", n/2))

	stats := &Stats{latencies: make(map[OperationType][]time.Duration)}
	simCtx, cancel := context.WithTimeout(ctx, *duration)
	defer cancel()

	start := time.Now()
	var wg sync.WaitGroup
	for _, user := range users {
		wg.Add(1)
		go func(u *User) {
			defer wg.Done()
			c.simulateUser(simCtx, u, users, *rate, stats, logger)
		}(user)
	}
	wg.Wait()
	elapsed := time.Since(start)

	var avg time.Duration
	if stats.successRequests > 0 {
		avg = stats.totalLatency / time.Duration(stats.successRequests)
	}
	logger.Info("Load test results",
		zap.Int64("total_requests", stats.totalRequests),
		zap.Int64("successful_requests", stats.successRequests),
		zap.Int64("failed_requests", stats.failedRequests),
		zap.Duration("avg_latency", avg),
		zap.Duration("min_latency", stats.minLatency),
		zap.Duration("max_latency", stats.maxLatency),
		zap.Duration("p99_write_latency", stats.p99(WriteOperation)),
		zap.Duration("p99_read_latency", stats.p99(ReadOperation)),
		zap.Duration("p99_degree_latency", stats.p99(GraphOperation)),
		zap.Float64("requests_per_sec", float64(stats.totalRequests)/elapsed.Seconds()),
		zap.Duration("total_duration", elapsed))
}
