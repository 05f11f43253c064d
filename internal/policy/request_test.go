package policy

import (
	"bufio"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const rcptRequest = `request=smtpd_access_policy
protocol_state=RCPT
protocol_name=ESMTP
helo_name=mx.example.com
queue_id=8045F2AB23
sender=foo@example.com
recipient=bar@example.org
recipient_count=0
client_address=192.0.2.1
client_name=mx.example.com
reverse_client_name=mx.example.com
instance=123.456.7
sasl_method=plain
sasl_username=you
sasl_sender=
size=12345
ccert_subject=solaris9.porcupine.org
ccert_issuer=Wietse Venema
ccert_fingerprint=C2:9D:F4:87:71:73:73:D9:18:E7:C2:F3:C1:DA:6E:04
encryption_protocol=TLSv1/SSLv3
encryption_cipher=DHE-RSA-AES256-SHA
encryption_keysize=256
etrn_domain=

`

func TestReadRequest(t *testing.T) {
	req, err := ReadRequest(bufio.NewReader(strings.NewReader(rcptRequest)), zap.NewNop())
	require.NoError(t, err)

	assert.Equal(t, StateRcpt, req.State)
	assert.True(t, req.ESMTP)
	assert.Equal(t, "mx.example.com", req.HeloName)
	assert.Equal(t, "8045F2AB23", req.QueueID)
	assert.Equal(t, "foo@example.com", req.Sender)
	assert.Equal(t, "bar@example.org", req.Recipient)
	assert.Equal(t, "192.0.2.1", req.ClientAddress)
	assert.Equal(t, "123.456.7", req.Instance)
	assert.Equal(t, "you", req.SASLUsername)
	assert.Equal(t, "Wietse Venema", req.CCertIssuer)
	assert.Equal(t, "256", req.EncryptionKeysize)
	assert.Empty(t, req.ETRNDomain)
	assert.NotZero(t, req.ID)
}

func TestReadRequestStates(t *testing.T) {
	tc := []struct {
		in   string
		want State
	}{
		{"CONNECT", StateConnect},
		{"EHLO", StateEHLO},
		{"HELO", StateEHLO},
		{"MAIL", StateMail},
		{"RCPT", StateRcpt},
		{"DATA", StateData},
		{"END-OF-MESSAGE", StateEndOfMessage},
		{"VRFY", StateVRFY},
		{"ETRN", StateETRN},
	}

	for _, c := range tc {
		t.Run(c.in, func(t *testing.T) {
			in := "request=smtpd_access_policy\nprotocol_state=" + c.in + "\nprotocol_name=SMTP\n\n"
			req, err := ReadRequest(bufio.NewReader(strings.NewReader(in)), zap.NewNop())
			require.NoError(t, err)
			assert.Equal(t, c.want, req.State)
			assert.False(t, req.ESMTP)
		})
	}
}

func TestReadRequestErrors(t *testing.T) {
	tc := []struct {
		name string
		in   string
		want error
	}{
		{"eof → io.EOF", "", io.EOF},
		{"eof mid-request", "protocol_state=RCPT\n", io.ErrUnexpectedEOF},
		{"partial line", "protocol_state=RC", io.ErrUnexpectedEOF},
		{"bad request", "request=other\nprotocol_state=RCPT\n\n", ErrProtocol},
		{"bad protocol name", "protocol_name=LMTP\nprotocol_state=RCPT\n\n", ErrProtocol},
		{"bad state", "protocol_state=QUIT\n\n", ErrProtocol},
		{"lowercase state", "protocol_state=rcpt\n\n", ErrProtocol},
		{"missing state", "request=smtpd_access_policy\n\n", ErrProtocol},
		{"empty request", "\n", ErrProtocol},
		{"no '='", "protocol_state RCPT\n\n", ErrProtocol},
		{"too large", "protocol_state=RCPT\n" + strings.Repeat("x=y\n", MaxRequestSize/4+1) + "\n", ErrProtocol},
	}

	for _, c := range tc {
		t.Run(c.name, func(t *testing.T) {
			_, err := ReadRequest(bufio.NewReader(strings.NewReader(c.in)), zap.NewNop())
			require.ErrorIs(t, err, c.want)
		})
	}
}

func TestReadRequestTrimsAndSkips(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	in := " protocol_state = MAIL \r\nsender=\t<foo@example.com>\nx_custom=1\n\n"

	req, err := ReadRequest(bufio.NewReader(strings.NewReader(in)), zap.New(core))
	require.NoError(t, err)
	assert.Equal(t, StateMail, req.State)
	assert.Equal(t, "<foo@example.com>", req.Sender)

	entries := logs.FilterMessage("unexpected key, skipped").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "x_custom", entries[0].ContextMap()["key"])
}

func TestReadRequestSequence(t *testing.T) {
	in := "protocol_state=MAIL\n\nprotocol_state=RCPT\n\n"
	br := bufio.NewReader(strings.NewReader(in))

	first, err := ReadRequest(br, zap.NewNop())
	require.NoError(t, err)
	second, err := ReadRequest(br, zap.NewNop())
	require.NoError(t, err)
	_, err = ReadRequest(br, zap.NewNop())
	require.ErrorIs(t, err, io.EOF)

	assert.Equal(t, StateMail, first.State)
	assert.Equal(t, StateRcpt, second.State)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "END-OF-MESSAGE", StateEndOfMessage.String())
	assert.Equal(t, "UNKNOWN", State(42).String())
}

type countingReader struct {
	r io.Reader
	n int
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += n
	return n, err
}

func TestReadRequestLongLine(t *testing.T) {
	in := &countingReader{r: io.MultiReader(
		strings.NewReader("protocol_state=RCPT\nsender="),
		strings.NewReader(strings.Repeat("x", 4*MaxRequestSize)),
	)}

	_, err := ReadRequest(bufio.NewReader(in), zap.NewNop())
	require.ErrorIs(t, err, ErrProtocol)
	assert.Less(t, in.n, MaxRequestSize+2*4096)
}
