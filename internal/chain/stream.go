package chain

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/R3E-Network/ton_gateway/pkg/logger"
)

// BlockSink receives every delivered block, masterchain and shard alike.
type BlockSink func(ctx context.Context, block *Block)

// StreamConfig configures the block feed.
type StreamConfig struct {
	// SocketURL is the node's websocket endpoint. Empty disables the
	// socket and the stream polls over HTTP only.
	SocketURL string
	// PollInterval paces the HTTP fallback. Defaults to 5s.
	PollInterval time.Duration
	// ReadTimeout bounds a single socket read; a healthy node emits
	// blocks well inside it. Defaults to 90s.
	ReadTimeout time.Duration
	// RetrySocket is how long the stream polls before re-dialing a lost
	// socket. Defaults to 30s.
	RetrySocket time.Duration
}

func (cfg StreamConfig) withDefaults() StreamConfig {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 90 * time.Second
	}
	if cfg.RetrySocket <= 0 {
		cfg.RetrySocket = 30 * time.Second
	}
	return cfg
}

// Stream delivers blocks to a sink, preferring the node's websocket feed
// and falling back to HTTP polling while the socket is unavailable. The
// cursor tracks the last delivered masterchain seqno so a restart resumes
// without gaps.
type Stream struct {
	client *Client
	cfg    StreamConfig
	log    *logger.Logger
	cursor atomic.Uint64
}

// NewStream creates a block stream over the node client.
func NewStream(client *Client, cfg StreamConfig, log *logger.Logger) *Stream {
	if log == nil {
		log = logger.NewDefault("chain.stream")
	}
	return &Stream{client: client, cfg: cfg.withDefaults(), log: log}
}

// Resume positions the cursor; blocks at or below seqno are not re-fetched.
func (s *Stream) Resume(seqno uint64) {
	s.cursor.Store(seqno)
}

// Cursor returns the last delivered masterchain seqno.
func (s *Stream) Cursor() uint64 {
	return s.cursor.Load()
}

// Run feeds blocks to sink until the context ends. The sink is called from
// a single goroutine, in delivery order.
func (s *Stream) Run(ctx context.Context, sink BlockSink) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if s.cfg.SocketURL != "" {
			err := s.runSocket(ctx, sink)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.WithError(err).Warn("block socket lost, polling")
			if err := s.pollFor(ctx, sink, s.cfg.RetrySocket); err != nil {
				return err
			}
			continue
		}
		if err := s.pollFor(ctx, sink, 0); err != nil {
			return err
		}
	}
}

func (s *Stream) runSocket(ctx context.Context, sink BlockSink) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, s.cfg.SocketURL, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	defer conn.Close()

	sub := map[string]interface{}{
		"method": "subscribeBlocks",
		"params": map[string]interface{}{"afterSeqno": s.Cursor()},
	}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("send subscribe: %w", err)
	}
	s.log.WithField("afterSeqno", s.Cursor()).Info("block socket subscribed")

	// Close the socket when the context ends so the blocked read returns.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		var block Block
		if err := conn.ReadJSON(&block); err != nil {
			return fmt.Errorf("read block: %w", err)
		}
		s.deliver(ctx, sink, &block)
	}
}

// pollFor polls over HTTP, forever when window is zero, otherwise until the
// window elapses and the caller re-dials the socket.
func (s *Stream) pollFor(ctx context.Context, sink BlockSink, window time.Duration) error {
	var deadline time.Time
	if window > 0 {
		deadline = time.Now().Add(window)
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if err := s.pollOnce(ctx, sink); err != nil && ctx.Err() == nil {
			s.log.WithError(err).Warn("block poll failed")
		}
		if window > 0 && time.Now().After(deadline) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Stream) pollOnce(ctx context.Context, sink BlockSink) error {
	blocks, err := s.client.GetBlocksAfter(ctx, s.Cursor())
	if err != nil {
		return err
	}
	for i := range blocks {
		s.deliver(ctx, sink, &blocks[i])
	}
	return nil
}

func (s *Stream) deliver(ctx context.Context, sink BlockSink, block *Block) {
	sink(ctx, block)
	if !block.IsMasterchain() {
		return
	}
	// Advance the cursor only after the sink saw the block, and never
	// backwards.
	for {
		cur := s.cursor.Load()
		if block.ID.Seqno <= cur || s.cursor.CompareAndSwap(cur, block.ID.Seqno) {
			return
		}
	}
}
