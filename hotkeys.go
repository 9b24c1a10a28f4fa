package main

import (
	"context"
	"slices"
	"sync"

	"voxkey/config"
	"voxkey/hotkey"
	"voxkey/log"
)

// hotkeyBinder owns the registered global hotkey. Rebinding after a config
// reload happens on its own goroutine; toggles from whichever hotkey is
// current arrive on one channel.
type hotkeyBinder struct {
	ctx  context.Context
	out  chan struct{}
	reqs chan config.Hotkey
	newf func(config.Hotkey) (hotkey.Hotkey, error)

	mu      sync.Mutex
	cur     hotkey.Hotkey
	binding config.Hotkey
	cancel  context.CancelFunc
	loop    sync.Once
}

func newHotkeyBinder(ctx context.Context) *hotkeyBinder {
	return &hotkeyBinder{
		ctx:  ctx,
		out:  make(chan struct{}, 1),
		reqs: make(chan config.Hotkey, 1),
		newf: hotkey.New,
	}
}

func (b *hotkeyBinder) toggles() <-chan struct{} { return b.out }

// bind registers hk, replacing the current hotkey. On failure the previous
// hotkey stays registered.
func (b *hotkeyBinder) bind(hk config.Hotkey) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cur != nil && sameBinding(b.binding, hk) {
		return nil
	}
	next, err := b.newf(hk)
	if err != nil {
		return err
	}
	if b.cur != nil {
		b.cancel()
		b.cur.Unregister()
	}
	if err := next.Register(); err != nil {
		if b.cur != nil {
			// Put the old binding back.
			if rerr := b.cur.Register(); rerr == nil {
				b.forward(b.cur)
			}
		}
		return err
	}
	b.cur, b.binding = next, hk
	b.forward(next)
	log.Info("hotkey: " + hotkey.Describe(hk))
	b.loop.Do(func() { go b.run() })
	return nil
}

func (b *hotkeyBinder) forward(hk hotkey.Hotkey) {
	ctx, cancel := context.WithCancel(b.ctx)
	b.cancel = cancel
	in := hotkey.Toggles(ctx, hk)
	go func() {
		pending := 0
		for {
			var send chan<- struct{}
			if pending > 0 {
				send = b.out
			}
			select {
			case <-ctx.Done():
				return
			case <-in:
				pending++
			case send <- struct{}{}:
				pending--
			}
		}
	}()
}

// request queues a rebind. Only the latest pending binding is kept.
func (b *hotkeyBinder) request(hk config.Hotkey) {
	for {
		select {
		case b.reqs <- hk:
			return
		default:
		}
		select {
		case <-b.reqs:
		default:
		}
	}
}

func (b *hotkeyBinder) run() {
	for {
		select {
		case <-b.ctx.Done():
			return
		case hk := <-b.reqs:
			if err := b.bind(hk); err != nil {
				log.Errorf("hotkey rebind %s: %v", hotkey.Describe(hk), err)
			}
		}
	}
}

func (b *hotkeyBinder) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cur != nil {
		b.cancel()
		b.cur.Unregister()
		b.cur = nil
	}
}

func sameBinding(a, b config.Hotkey) bool {
	return a.Key == b.Key && slices.Equal(a.Modifiers, b.Modifiers)
}
