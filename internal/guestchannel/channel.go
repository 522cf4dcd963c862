// Copyright (c) 2024 vfioctl authors
//
// SPDX-License-Identifier: Apache-2.0
//

package guestchannel

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mdlayher/vsock"
	"github.com/sirupsen/logrus"

	"github.com/originull/vfioctl/pkg/model"
)

// Config parameterizes a Channel's limits and authentication material.
type Config struct {
	DomainUUID         string
	PSK                []byte // non-nil selects the PSK cipher over the keypair handshake
	MaxMessageBytes    int    // 0 defaults to model.MaxMessageBytes
	RateLimitPerSecond int    // 0 means unlimited
	InstallRoots       []string
}

func (c Config) maxBytes() int {
	if c.MaxMessageBytes > 0 {
		return c.MaxMessageBytes
	}
	return model.MaxMessageBytes
}

// Channel is one host<->guest message stream over a virtualization-provided
// serial transport (vsock).
type Channel struct {
	conn   net.Conn
	cfg    Config
	log    *logrus.Entry
	cipher cipher

	state atomic.Int32 // model.ChannelState

	recvMu  sync.Mutex
	sendMu  sync.Mutex
	sendSeq uint64
	recvSeq uint64

	closeOnce sync.Once
	closeCh   chan struct{}

	limiterMu    sync.Mutex
	limiterCount int
	limiterSince time.Time

	frameTooLargeCount atomic.Uint64
}

// FrameTooLargeCount reports how many oversize frames Recv has dropped.
func (c *Channel) FrameTooLargeCount() uint64 {
	return c.frameTooLargeCount.Load()
}

// DialVsock connects to the guest agent over AF_VSOCK at (cid, port) and
// performs the handshake.
func DialVsock(ctx context.Context, cid, port uint32, cfg Config, log *logrus.Entry) (*Channel, error) {
	conn, err := vsock.Dial(cid, port, nil)
	if err != nil {
		return nil, model.New(model.KindIoError, "guestchannel.DialVsock", err)
	}
	ch := newChannel(conn, cfg, log)
	if err := ch.handshake(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return ch, nil
}

func newChannel(conn net.Conn, cfg Config, log *logrus.Entry) *Channel {
	ch := &Channel{
		conn:    conn,
		cfg:     cfg,
		log:     log,
		closeCh: make(chan struct{}),
	}
	ch.state.Store(int32(model.ChannelHandshaking))
	return ch
}

func (c *Channel) State() model.ChannelState {
	return model.ChannelState(c.state.Load())
}

// handshake performs the cleartext UUID/keypair exchange and installs the
// transport cipher. A domain UUID mismatch closes the channel and returns
// AuthFailed.
func (c *Channel) handshake(ctx context.Context) error {
	ours := handshakeMessage{DomainUUID: c.cfg.DomainUUID}
	var ourPub, ourPriv *[32]byte
	if c.cfg.PSK == nil {
		pub, priv, err := generateEphemeralKeypair()
		if err != nil {
			return err
		}
		ourPub, ourPriv = pub, priv
		ours.PublicKey = ourPub[:]
	}

	raw, err := json.Marshal(ours)
	if err != nil {
		return model.New(model.KindParseError, "guestchannel.handshake", err)
	}
	if err := writeFrame(c.conn, raw); err != nil {
		return err
	}

	peerRaw, err := readFrame(c.conn, c.cfg.maxBytes())
	if err != nil {
		return err
	}
	var peer handshakeMessage
	if err := json.Unmarshal(peerRaw, &peer); err != nil {
		return model.New(model.KindParseError, "guestchannel.handshake", err)
	}

	if peer.DomainUUID != c.cfg.DomainUUID {
		c.closeLocked(model.KindAuthFailed)
		return model.New(model.KindAuthFailed, "guestchannel.handshake", fmt.Errorf("domain uuid mismatch"))
	}

	if c.cfg.PSK != nil {
		cip, err := newPSKCipher(c.cfg.PSK)
		if err != nil {
			c.closeLocked(model.KindAuthFailed)
			return err
		}
		c.cipher = cip
	} else {
		if len(peer.PublicKey) != 32 {
			c.closeLocked(model.KindAuthFailed)
			return model.New(model.KindAuthFailed, "guestchannel.handshake", fmt.Errorf("malformed peer public key"))
		}
		var peerPub [32]byte
		copy(peerPub[:], peer.PublicKey)
		c.cipher = newBoxCipher(ourPriv, &peerPub)
	}

	c.state.Store(int32(model.ChannelAuthenticated))
	return nil
}

func (c *Channel) closeLocked(_ model.Kind) {
	c.Close()
}

// Close transitions the channel to closing and wakes any blocked
// Send/Recv callers with ChannelClosed.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.state.Store(int32(model.ChannelClosingState))
		close(c.closeCh)
		c.conn.Close()
	})
	return nil
}

// checkRateLimit enforces the configurable per-second message ceiling;
// offenders are dropped with a log line rather than closing the channel.
func (c *Channel) checkRateLimit() bool {
	if c.cfg.RateLimitPerSecond <= 0 {
		return true
	}
	c.limiterMu.Lock()
	defer c.limiterMu.Unlock()
	now := time.Now()
	if now.Sub(c.limiterSince) >= time.Second {
		c.limiterSince = now
		c.limiterCount = 0
	}
	c.limiterCount++
	return c.limiterCount <= c.cfg.RateLimitPerSecond
}

// Send encrypts and writes msg as the next frame. Sends are serialized by
// sendMu; concurrent Recv calls proceed independently.
func (c *Channel) Send(msg Message) error {
	if c.State() != model.ChannelAuthenticated {
		return model.ErrKind(model.KindChannelClosed)
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return model.New(model.KindParseError, "guestchannel.Send", err)
	}
	if len(raw) > c.cfg.maxBytes() {
		return model.ErrKind(model.KindFrameTooLarge)
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	select {
	case <-c.closeCh:
		return model.ErrKind(model.KindChannelClosed)
	default:
	}

	seq := atomic.AddUint64(&c.sendSeq, 1)
	ciphertext := c.cipher.seal(seq, raw)
	if err := writeFrame(c.conn, ciphertext); err != nil {
		select {
		case <-c.closeCh:
			return model.ErrKind(model.KindChannelClosed)
		default:
		}
		return err
	}
	return nil
}

// Recv reads, authenticates, and decodes the next message. Reads are
// serialized by recvMu. Sequence numbers are implicit: each frame is
// opened under the next receive sequence number, so a replayed, reordered
// or missing frame fails authentication and Recv returns AuthFailed.
func (c *Channel) Recv() (Message, error) {
	if c.State() != model.ChannelAuthenticated {
		return Message{}, model.ErrKind(model.KindChannelClosed)
	}

	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	for {
		select {
		case <-c.closeCh:
			return Message{}, model.ErrKind(model.KindChannelClosed)
		default:
		}

		ciphertext, err := readFrame(c.conn, c.cfg.maxBytes()+64) // small allowance for AEAD tag overhead
		if err != nil {
			select {
			case <-c.closeCh:
				return Message{}, model.ErrKind(model.KindChannelClosed)
			default:
			}
			if model.KindOf(err) == model.KindFrameTooLarge {
				c.frameTooLargeCount.Add(1)
				if c.log != nil {
					c.log.Warn("guest channel frame dropped, exceeds max message size")
				}
				continue
			}
			return Message{}, err
		}

		seq := atomic.AddUint64(&c.recvSeq, 1)
		plaintext, err := c.cipher.open(seq, ciphertext)
		if err != nil {
			return Message{}, err
		}

		if !c.checkRateLimit() {
			if c.log != nil {
				c.log.Warn("guest channel message dropped, rate limit exceeded")
			}
			continue
		}

		var msg Message
		if err := json.Unmarshal(plaintext, &msg); err != nil {
			return Message{}, model.New(model.KindParseError, "guestchannel.Recv", err)
		}
		if !IsKnownCommand(msg.Command) {
			if c.log != nil {
				c.log.WithField("command", msg.Command).Warn("guest channel message dropped, unknown command")
			}
			continue
		}
		if msg.Command == CmdLaunch {
			if !c.launchPathAllowed(msg.Parameters) {
				return Message{}, model.New(model.KindAuthFailed, "guestchannel.Recv", fmt.Errorf("launch path outside whitelisted install roots"))
			}
		}
		return msg, nil
	}
}

// launchPathAllowed checks a launch command's path against the whitelist
// of installation roots configured per-profile; paths outside are refused.
func (c *Channel) launchPathAllowed(params map[string]interface{}) bool {
	raw, ok := params["path"].(string)
	if !ok {
		return false
	}
	clean := filepath.Clean(raw)
	for _, root := range c.cfg.InstallRoots {
		rel, err := filepath.Rel(filepath.Clean(root), clean)
		if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
