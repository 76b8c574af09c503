package ndopt

import (
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func lladdrOpt(t Type, mac string) []byte {
	hw, err := net.ParseMAC(mac)
	if err != nil {
		panic(err)
	}
	return append([]byte{byte(t), 1}, hw...)
}

func TestParserEmpty(t *testing.T) {
	var p Parser
	p.Init(nil)
	_, err := p.Next()
	require.ErrorIs(t, err, io.EOF)

	opts, err := ParseAll([]byte{})
	require.NoError(t, err)
	require.Zero(t, opts.Count)
}

func TestParserWalksChain(t *testing.T) {
	b := append(lladdrOpt(SourceLinkAddr, "aa:bb:cc:dd:ee:ff"),
		byte(MTU), 1, 0, 0, 0, 0, 0x05, 0xdc)

	var p Parser
	p.Init(b)

	opt, err := p.Next()
	require.NoError(t, err)
	require.Equal(t, SourceLinkAddr, opt.Type)
	require.Equal(t, 8, opt.Len)
	require.Len(t, opt.Data, 6)

	opt, err = p.Next()
	require.NoError(t, err)
	require.Equal(t, MTU, opt.Type)
	require.Equal(t, []byte{0, 0, 0, 0, 0x05, 0xdc}, opt.Data)

	_, err = p.Next()
	require.ErrorIs(t, err, io.EOF)
}

func TestParserRejectsZeroLength(t *testing.T) {
	b := append(lladdrOpt(SourceLinkAddr, "aa:bb:cc:dd:ee:ff"), byte(PrefixInfo), 0, 0, 0, 0, 0, 0, 0)

	opts, err := ParseAll(b)
	require.ErrorIs(t, err, ErrMalformed)
	// What was parsed before the broken option is kept.
	require.NotNil(t, opts.LinkAddr(SourceLinkAddr))
}

func TestParserRejectsOverrun(t *testing.T) {
	for l := 2; l <= 40; l++ {
		b := make([]byte, l)
		b[0] = byte(SourceLinkAddr)
		// One 8-octet unit more than fits.
		b[1] = byte((l + 1 + 7) / 8)

		var p Parser
		p.Init(b)
		_, err := p.Next()
		require.ErrorIs(t, err, ErrMalformed, "length %d", l)

		// Iteration ends after a malformed option.
		_, err = p.Next()
		require.ErrorIs(t, err, io.EOF)
	}
}

func TestParserRejectsTruncatedHeader(t *testing.T) {
	b := append(lladdrOpt(SourceLinkAddr, "aa:bb:cc:dd:ee:ff"), byte(MTU))

	_, err := ParseAll(b)
	require.ErrorIs(t, err, ErrMalformed)
}

func TestParseAllKeepsFirstOfEachType(t *testing.T) {
	b := append(lladdrOpt(SourceLinkAddr, "aa:bb:cc:dd:ee:ff"),
		lladdrOpt(SourceLinkAddr, "00:11:22:33:44:55")...)

	opts, err := ParseAll(b)
	require.NoError(t, err)
	require.Equal(t, 2, opts.Count)
	require.Equal(t, "aa:bb:cc:dd:ee:ff", opts.LinkAddr(SourceLinkAddr).String())
	require.Nil(t, opts.LinkAddr(TargetLinkAddr))
}

func TestParseAllSkipsUnknownTypes(t *testing.T) {
	b := append([]byte{200, 1, 1, 2, 3, 4, 5, 6},
		lladdrOpt(TargetLinkAddr, "aa:bb:cc:dd:ee:ff")...)

	opts, err := ParseAll(b)
	require.NoError(t, err)
	_, ok := opts.Get(Type(200))
	require.False(t, ok)
	require.Equal(t, "aa:bb:cc:dd:ee:ff", opts.LinkAddr(TargetLinkAddr).String())
}

func TestParseAllTruncatesLongChains(t *testing.T) {
	var b []byte
	for range MaxOptions {
		b = append(b, 200, 1, 0, 0, 0, 0, 0, 0)
	}
	b = append(b, lladdrOpt(SourceLinkAddr, "aa:bb:cc:dd:ee:ff")...)
	// Broken, but never reached.
	b = append(b, byte(MTU), 0)

	opts, err := ParseAll(b)
	require.NoError(t, err)
	require.Equal(t, MaxOptions, opts.Count)
	require.Nil(t, opts.LinkAddr(SourceLinkAddr))

	opts, err = ParseAll(b, WithMaxOptions(MaxOptions+1))
	require.NoError(t, err)
	require.NotNil(t, opts.LinkAddr(SourceLinkAddr))
}

func TestLinkAddrLongOption(t *testing.T) {
	// A 16-octet option carries a 14-byte address, e.g. for IPoIB-like
	// links.
	b := make([]byte, 16)
	b[0] = byte(SourceLinkAddr)
	b[1] = 2
	for i := 2; i < 16; i++ {
		b[i] = byte(i)
	}

	opts, err := ParseAll(b)
	require.NoError(t, err)
	require.Len(t, opts.LinkAddr(SourceLinkAddr), 14)

	_, ok := Option{Type: MTU, Len: 8, Data: make([]byte, 6)}.LinkAddr()
	require.False(t, ok)
}
