package kernel

import (
	"context"
	"fmt"

	"github.com/vishvananda/netlink"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// Watcher follows kernel link and address changes for attached
// interfaces. A removed link is detached, which purges its entries.
type Watcher struct {
	nl       Netlink
	log      *zap.SugaredLogger
	attacher *Attacher
}

func NewWatcher(attacher *Attacher, options ...Option) *Watcher {
	opts := newOptions(options)
	return &Watcher{
		nl:       opts.Netlink,
		log:      opts.Log,
		attacher: attacher,
	}
}

// Run runs the watcher until the specified context is canceled.
func (w *Watcher) Run(ctx context.Context) error {
	w.log.Debugf("starting kernel watcher")
	defer w.log.Debugf("stopped kernel watcher")

	wg, ctx := errgroup.WithContext(ctx)
	wg.Go(func() error {
		return w.runLinks(ctx)
	})
	wg.Go(func() error {
		return w.runAddrs(ctx)
	})

	return wg.Wait()
}

func (w *Watcher) onError(err error) {
	w.log.Warnw("netlink subscription error", zap.Error(err))
}

func (w *Watcher) runLinks(ctx context.Context) error {
	txRx := make(chan netlink.LinkUpdate, 16)
	if err := w.nl.LinkSubscribe(txRx, ctx.Done(), w.onError); err != nil {
		return fmt.Errorf("failed to subscribe to links updates: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-txRx:
			if !ok {
				return nil
			}
			w.handleLink(u)
		}
	}
}

func (w *Watcher) runAddrs(ctx context.Context) error {
	txRx := make(chan netlink.AddrUpdate, 16)
	if err := w.nl.AddrSubscribe(txRx, ctx.Done(), w.onError); err != nil {
		return fmt.Errorf("failed to subscribe to address updates: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-txRx:
			if !ok {
				return nil
			}
			w.handleAddr(u)
		}
	}
}

func (w *Watcher) handleLink(u netlink.LinkUpdate) {
	if u.Header.Type != unix.RTM_DELLINK || u.Link == nil {
		return
	}
	idx := u.Link.Attrs().Index
	if w.attacher.Attached(idx) {
		w.log.Infow("link removed", zap.String("name", u.Link.Attrs().Name), zap.Int("index", idx))
		w.attacher.Detach(idx)
	}
}

func (w *Watcher) handleAddr(u netlink.AddrUpdate) {
	if u.LinkAddress.IP.To4() != nil {
		return
	}
	if err := w.attacher.Refresh(u.LinkIndex); err != nil {
		w.log.Warnw("failed to refresh interface addresses", zap.Int("index", u.LinkIndex), zap.Error(err))
	}
}
