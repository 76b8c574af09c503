// Package ndopt parses the option chain carried by Neighbor Discovery
// messages (RFC 4861, section 4.6).
//
// Options are type-length-value encoded with the length counted in units of
// 8 octets, including the two header octets.
package ndopt

import (
	"errors"
	"fmt"
	"io"
	"net"

	"go.uber.org/zap"
)

// Type is an option type.
type Type uint8

const (
	SourceLinkAddr   Type = 1
	TargetLinkAddr   Type = 2
	PrefixInfo       Type = 3
	RedirectedHeader Type = 4
	MTU              Type = 5
)

func (t Type) String() string {
	switch t {
	case SourceLinkAddr:
		return "source-lladdr"
	case TargetLinkAddr:
		return "target-lladdr"
	case PrefixInfo:
		return "prefix-info"
	case RedirectedHeader:
		return "redirected-header"
	case MTU:
		return "mtu"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// MaxOptions is the default bound on options examined per message.
const MaxOptions = 10

const (
	headerLen = 2
	unit      = 8
)

// ErrMalformed is returned for an option of zero length or one that runs
// past the end of the buffer.
var ErrMalformed = errors.New("malformed neighbor discovery option")

// Option is a single option. Data excludes the two header octets.
type Option struct {
	Type Type
	// Len is the option length in octets, header included.
	Len  int
	Data []byte
}

// LinkAddr returns the link-layer address of a source or target link-layer
// address option. Trailing padding is dropped for Ethernet-sized options.
func (o Option) LinkAddr() (net.HardwareAddr, bool) {
	if o.Type != SourceLinkAddr && o.Type != TargetLinkAddr {
		return nil, false
	}
	if len(o.Data) < 6 {
		return nil, false
	}
	n := len(o.Data)
	if o.Len == unit {
		n = 6
	}
	return append(net.HardwareAddr(nil), o.Data[:n]...), true
}

// Parser iterates over an option chain.
type Parser struct {
	buf  []byte
	off  int
	done bool
}

// Init resets the parser to iterate over b. An empty buffer is immediately
// exhausted.
func (p *Parser) Init(b []byte) {
	p.buf = b
	p.off = 0
	p.done = len(b) == 0
}

// Next returns the next option. It returns io.EOF once the chain is
// exhausted and ErrMalformed on a broken option, after which iteration
// stops.
func (p *Parser) Next() (Option, error) {
	if p.done {
		return Option{}, io.EOF
	}

	rest := p.buf[p.off:]
	if len(rest) == 0 {
		p.done = true
		return Option{}, io.EOF
	}
	if len(rest) < headerLen {
		p.done = true
		return Option{}, fmt.Errorf("%w: truncated header at offset %d", ErrMalformed, p.off)
	}

	typ := Type(rest[0])
	n := int(rest[1]) * unit
	if n == 0 {
		p.done = true
		return Option{}, fmt.Errorf("%w: zero length %s option at offset %d", ErrMalformed, typ, p.off)
	}
	if n > len(rest) {
		p.done = true
		return Option{}, fmt.Errorf("%w: %s option of %d bytes exceeds remaining %d bytes at offset %d",
			ErrMalformed, typ, n, len(rest), p.off)
	}

	p.off += n
	if p.off == len(p.buf) {
		p.done = true
	}
	return Option{Type: typ, Len: n, Data: rest[headerLen:n]}, nil
}

// Options holds the first option of each known type.
type Options struct {
	table [256]*Option
	// Count is the number of options examined.
	Count int
}

// Get returns the first option of the given type.
func (o *Options) Get(t Type) (Option, bool) {
	if opt := o.table[t]; opt != nil {
		return *opt, true
	}
	return Option{}, false
}

// LinkAddr returns the link-layer address carried by the first option of
// the given type.
func (o *Options) LinkAddr(t Type) net.HardwareAddr {
	opt, ok := o.Get(t)
	if !ok {
		return nil
	}
	lladdr, _ := opt.LinkAddr()
	return lladdr
}

func known(t Type) bool {
	switch t {
	case SourceLinkAddr, TargetLinkAddr, PrefixInfo, RedirectedHeader, MTU:
		return true
	default:
		return false
	}
}

// ParseOption configures ParseAll.
type ParseOption func(*parseOptions)

// WithMaxOptions bounds how many options are examined.
func WithMaxOptions(n int) ParseOption {
	return func(o *parseOptions) {
		o.Max = n
	}
}

// WithLog configures ParseAll with a logger for ignored options.
func WithLog(log *zap.SugaredLogger) ParseOption {
	return func(o *parseOptions) {
		o.Log = log
	}
}

type parseOptions struct {
	Max int
	Log *zap.SugaredLogger
}

// ParseAll parses the chain in b keeping the first option of each known
// type. Duplicates and unknown types are skipped. Options beyond the
// configured maximum are not examined. A malformed option fails the whole
// chain; the options seen before it are still returned.
func ParseAll(b []byte, options ...ParseOption) (*Options, error) {
	opts := &parseOptions{
		Max: MaxOptions,
		Log: zap.NewNop().Sugar(),
	}
	for _, o := range options {
		o(opts)
	}

	out := &Options{}
	var p Parser
	p.Init(b)
	for {
		opt, err := p.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}

		out.Count++
		switch {
		case !known(opt.Type):
			opts.Log.Debugf("skipping unknown option type %d", uint8(opt.Type))
		case out.table[opt.Type] != nil:
			opts.Log.Debugf("skipping duplicate %s option", opt.Type)
		default:
			out.table[opt.Type] = &opt
		}

		if opts.Max > 0 && out.Count >= opts.Max {
			opts.Log.Debugf("too many options, ignoring the rest")
			return out, nil
		}
	}
}
