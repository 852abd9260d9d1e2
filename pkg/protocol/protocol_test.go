package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/golang/snappy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/vaultsync/pkg/errors"
	"github.com/sidkik/vaultsync/pkg/skiplist"
)

func TestNewMessageRequiredParams(t *testing.T) {
	_, err := NewMessage(ChallengeRequest, Params{"username": "alice"})
	assert.Error(t, err)

	var missing errors.MissingFieldError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, "client_id", missing.Field)

	msg, err := NewMessage(ChallengeRequest, Params{"username": "alice", "client_id": "c1"})
	require.NoError(t, err)
	username, err := msg.GetString("username")
	require.NoError(t, err)
	assert.Equal(t, "alice", username)

	_, err = NewMessage(SyncStart, nil)
	assert.NoError(t, err)
}

func TestCodecRoundTrip(t *testing.T) {
	proof := skiplist.WireProof{
		Pathname:  "a",
		Operation: "INSERT",
		Paths: map[string][]skiplist.Step{
			skiplist.NegInf: {{Pathname: skiplist.NegInf, Height: 1}},
		},
	}

	msgs := []Message{
		MustNewMessage(KeepAlive, Params{"id": 3}),
		MustNewMessage(SyncFilesList, Params{
			"basis":      "abcd",
			"dataset":    []FileEntry{{Key: "a", Etag: "e", Size: 1, Lmtime: 2}},
			"used_space": 1,
			"user_quota": 100,
		}),
		MustNewMessage(ReplicationDeclareResponse, Params{
			"response": ResponseDetails{OperationID: "op", Result: true, Proof: &proof},
		}),
	}

	var buf bytes.Buffer
	for _, msg := range msgs {
		require.NoError(t, WriteMessage(&buf, msg))
	}

	for _, exp := range msgs {
		msg, err := ReadMessage(&buf)
		require.NoError(t, err)
		assert.Equal(t, exp.Kind, msg.Kind)
		assert.Equal(t, exp.Keys(), msg.Keys())
	}

	_, err := ReadMessage(&buf)
	assert.Equal(t, io.EOF, err)
}

func TestFrameHeader(t *testing.T) {
	frame, err := Encode(MustNewMessage(SyncStart, nil))
	require.NoError(t, err)

	header := string(frame[:HeaderLen])
	assert.Equal(t, strings.TrimSpace(header), strings.TrimRight(header, " "))
	assert.NotEqual(t, byte(' '), header[0])
}

func TestDecodeErrors(t *testing.T) {
	frame := func(body []byte) []byte {
		return snappy.Encode(nil, body)
	}

	tests := []struct {
		name        string
		body        []byte
		compress    bool
		expUndef    bool
		expUnpacked bool
	}{
		{
			name:     "UnknownName",
			body:     []byte(`{"name": "HELLO", "params": {}}`),
			compress: true,
			expUndef: true,
		},
		{
			name:        "NotJSON",
			body:        []byte(`{"name"`),
			compress:    true,
			expUnpacked: true,
		},
		{
			name:        "NotCompressed",
			body:        []byte(`{"name": "SYNC_START", "params": {}}`),
			expUnpacked: true,
		},
		{
			name:        "MissingParam",
			body:        []byte(`{"name": "QUIT", "params": {}}`),
			compress:    true,
			expUnpacked: true,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			body := test.body
			if test.compress {
				body = frame(body)
			}

			_, err := Decode(body)
			require.Error(t, err)

			var undef UndefinedMessage
			var unpacking Unpacking
			assert.Equal(t, test.expUndef, errors.As(err, &undef))
			assert.Equal(t, test.expUnpacked, errors.As(err, &unpacking))
		})
	}
}

func TestDecodeRejectsOversizedBody(t *testing.T) {
	// A tiny body that claims to decompress to 1 GiB.
	body := make([]byte, binary.MaxVarintLen64)
	n := binary.PutUvarint(body, 1<<30)
	body = append(body[:n], 0x00)

	_, err := Decode(body)
	var unpacking Unpacking
	require.True(t, errors.As(err, &unpacking))
	assert.Contains(t, err.Error(), "decoded length 1073741824 out of range")

	frame := []byte(fmt.Sprintf("%-*d", HeaderLen, len(body)))
	_, err = ReadMessage(bytes.NewReader(append(frame, body...)))
	assert.True(t, errors.As(err, &unpacking))
}

func TestReadMessageBadHeader(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"NotANumber", "abc"},
		{"Negative", "-1"},
		{"TooLarge", "999999999999"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			header := test.header + strings.Repeat(" ", HeaderLen-len(test.header))
			_, err := ReadMessage(strings.NewReader(header))

			var unpacking Unpacking
			assert.True(t, errors.As(err, &unpacking))
		})
	}

	_, err := ReadMessage(strings.NewReader("12"))
	var unpacking Unpacking
	assert.True(t, errors.As(err, &unpacking))
}

func TestRequestDetails(t *testing.T) {
	tests := []struct {
		name      string
		json      string
		expErr    bool
		expDetail RequestDetails
	}{
		{
			name: "Upload",
			json: `{"operation_id": "1", "operation": "UPLOAD", "pathname": "a", "etag": "e", "size": 3}`,
			expDetail: RequestDetails{OperationID: "1", Operation: Upload, Pathname: "a",
				Etag: "e", Size: 3},
		},
		{
			name:   "MissingPathname",
			json:   `{"operation_id": "1", "operation": "UPLOAD"}`,
			expErr: true,
		},
		{
			name:   "UnknownVerb",
			json:   `{"operation_id": "1", "operation": "MOVE", "pathname": "a"}`,
			expErr: true,
		},
		{
			name:   "CopyWithoutSource",
			json:   `{"operation_id": "1", "operation": "REMOTE_COPY", "pathname": "a"}`,
			expErr: true,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			var details RequestDetails
			err := json.Unmarshal([]byte(test.json), &details)
			if test.expErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, test.expDetail, details)
		})
	}
}

func TestResponseDetails(t *testing.T) {
	msg := MustNewMessage(ReplicationDeclareResponse, Params{
		"response": ResponseDetails{OperationID: "1", ErrorCode: CodePtr(ExceedingQuota)},
	})
	details, err := msg.Response()
	require.NoError(t, err)
	assert.False(t, details.Result)
	assert.True(t, details.IsQuotaExceeded())

	var missing ResponseDetails
	assert.Error(t, json.Unmarshal([]byte(`{"result": false}`), &missing))

	// An authorization is useless without a proof.
	assert.Error(t, json.Unmarshal([]byte(`{"operation_id": "1", "result": true}`), &missing))
}

func TestDataset(t *testing.T) {
	msg := MustNewMessage(SyncFilesList, Params{
		"basis":      "b",
		"dataset":    []FileEntry{{Key: "a"}, {Key: "a"}},
		"used_space": 0,
		"user_quota": 0,
	})
	_, err := msg.Dataset()
	assert.Error(t, err)

	assert.True(t, FileEntry{Key: "dir/"}.IsDir())
	assert.False(t, FileEntry{Key: "dir/file"}.IsDir())
}

func TestCommands(t *testing.T) {
	cmd, err := NewCommand("WORKERFREE")
	require.NoError(t, err)
	assert.Equal(t, WorkerFree, cmd.Kind)

	_, err = NewCommand("REBOOT")
	assert.Error(t, err)

	assert.Equal(t, "OPERATIONDONE(op)", Command{Kind: OperationDone, OperationID: "op"}.String())
	assert.Equal(t, "EXCEEDING_QUOTA", ExceedingQuota.String())
	assert.Equal(t, 4, int(ExceedingQuota))
	assert.Equal(t, 10, int(LinkingInternalError))
}
