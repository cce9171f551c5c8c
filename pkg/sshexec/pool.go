package sshexec

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"k8s.io/klog/v2"
)

type poolKey struct {
	host string
	port int
	user string
}

type pooledConn struct {
	client   *ssh.Client
	lastUsed time.Time
	mu       sync.Mutex // serializes channel creation per connection
}

// connPool is a pool of SSH connections keyed by (host, port, user), with
// idle eviction (spec §4.1: "Connection reuse"). It has no size limit:
// every distinct key holds one connection until it idles out. Concurrent
// callers for the same key serialize channel creation but not command
// execution, since SSH multiplexes channels over one connection.
type connPool struct {
	mu    sync.Mutex
	conns map[poolKey]*pooledConn
	ttl   time.Duration
	done  chan struct{}
}

func newConnPool(ttl time.Duration) *connPool {
	p := &connPool{
		conns: make(map[poolKey]*pooledConn),
		ttl:   ttl,
		done:  make(chan struct{}),
	}
	go p.reap()
	return p
}

func (p *connPool) reap() {
	ticker := time.NewTicker(p.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.mu.Lock()
			now := time.Now()
			for k, c := range p.conns {
				c.mu.Lock()
				idle := now.Sub(c.lastUsed)
				c.mu.Unlock()
				if idle > p.ttl {
					klog.V(2).Infof("sshexec: closing idle connection to %s@%s:%d", k.user, k.host, k.port)
					_ = c.client.Close()
					delete(p.conns, k)
				}
			}
			p.mu.Unlock()
		}
	}
}

func (p *connPool) Close() {
	close(p.done)
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, c := range p.conns {
		_ = c.client.Close()
		delete(p.conns, k)
	}
}

// getOrDial returns a pooled connection for key, dialing a fresh one via
// dial if none exists or the existing one is dead.
func (p *connPool) getOrDial(key poolKey, dial func() (*ssh.Client, error)) (*pooledConn, error) {
	p.mu.Lock()
	c, ok := p.conns[key]
	if ok {
		p.mu.Unlock()
		if isAlive(c.client) {
			c.mu.Lock()
			c.lastUsed = time.Now()
			c.mu.Unlock()
			return c, nil
		}
		p.mu.Lock()
		delete(p.conns, key)
	}
	p.mu.Unlock()

	client, err := dial()
	if err != nil {
		return nil, err
	}
	c = &pooledConn{client: client, lastUsed: time.Now()}

	p.mu.Lock()
	p.conns[key] = c
	p.mu.Unlock()
	return c, nil
}

func isAlive(client *ssh.Client) bool {
	if client == nil {
		return false
	}
	_, _, err := client.SendRequest("keepalive@homelab-mcp", true, nil)
	return err == nil
}

func (k poolKey) String() string {
	return fmt.Sprintf("%s@%s:%d", k.user, k.host, k.port)
}
