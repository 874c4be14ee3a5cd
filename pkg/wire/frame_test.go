package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/WebFirstLanguage/ouroboros/pkg/codec/cborcanon"
	"github.com/WebFirstLanguage/ouroboros/pkg/constants"
	"github.com/WebFirstLanguage/ouroboros/pkg/qos"
)

func TestFrame_WriteRead(t *testing.T) {
	var buf bytes.Buffer

	req := &AllocRequest{
		ID:   "5d1f1b7e-2a34-4c1e-9d59-0f7c2f0b5a11",
		Op:   constants.OpAlloc,
		Name: "oecho",
		QoS:  qos.Voice,
	}
	frame, err := NewFrame(constants.KindAllocRequest, 1, req)
	if err != nil {
		t.Fatalf("Failed to create frame: %v", err)
	}
	if err := WriteFrame(&buf, frame); err != nil {
		t.Fatalf("Failed to write frame: %v", err)
	}

	if n := binary.BigEndian.Uint32(buf.Bytes()[:4]); int(n) != buf.Len()-4 {
		t.Errorf("Expected length prefix %d, got %d", buf.Len()-4, n)
	}

	decoded, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("Failed to read frame: %v", err)
	}
	if !decoded.IsKind(constants.KindAllocRequest) {
		t.Errorf("Expected kind %d, got %d", constants.KindAllocRequest, decoded.Kind)
	}
	if decoded.Seq != 1 {
		t.Errorf("Expected seq 1, got %d", decoded.Seq)
	}

	var body AllocRequest
	if err := decoded.Decode(&body); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if body != *req {
		t.Errorf("Body mismatch: %+v != %+v", body, *req)
	}
}

func TestFrame_Canonical(t *testing.T) {
	frame, err := NewFrame(constants.KindData, 7, &DataBody{Payload: []byte("hello")})
	if err != nil {
		t.Fatalf("Failed to create frame: %v", err)
	}
	data, err := frame.Marshal()
	if err != nil {
		t.Fatalf("Failed to marshal frame: %v", err)
	}
	if !cborcanon.IsCanonical(data) {
		t.Error("Frame encoding is not canonical")
	}
}

func TestFrame_Validate(t *testing.T) {
	frame := &Frame{V: constants.ProtocolVersion + 1, Kind: constants.KindData, Seq: 1}
	err := frame.Validate()
	if err == nil {
		t.Fatal("Expected version mismatch")
	}

	var werr *Error
	if !errors.As(err, &werr) || werr.Code != constants.ErrorVersionMismatch {
		t.Errorf("Expected VERSION_MISMATCH, got %v", err)
	}
}

func TestReadFrame_Errors(t *testing.T) {
	t.Run("too_large", func(t *testing.T) {
		var hdr [4]byte
		binary.BigEndian.PutUint32(hdr[:], constants.MaxFrameSize+1)
		_, err := ReadFrame(bytes.NewReader(hdr[:]))
		if !errors.Is(err, ErrFrameTooLarge) {
			t.Errorf("Expected ErrFrameTooLarge, got %v", err)
		}
	})

	t.Run("clean_eof", func(t *testing.T) {
		_, err := ReadFrame(bytes.NewReader(nil))
		if err != io.EOF {
			t.Errorf("Expected io.EOF, got %v", err)
		}
	})

	t.Run("truncated_body", func(t *testing.T) {
		data := []byte{0, 0, 0, 10, 0xa1}
		_, err := ReadFrame(bytes.NewReader(data))
		if err != io.ErrUnexpectedEOF {
			t.Errorf("Expected io.ErrUnexpectedEOF, got %v", err)
		}
	})

	t.Run("garbage", func(t *testing.T) {
		data := []byte{0, 0, 0, 2, 0xff, 0xff}
		_, err := ReadFrame(bytes.NewReader(data))
		var werr *Error
		if !errors.As(err, &werr) || werr.Code != constants.ErrorProtocol {
			t.Errorf("Expected PROTOCOL error, got %v", err)
		}
	})
}

func TestFrame_DecodeEmptyBody(t *testing.T) {
	frame, err := NewFrame(constants.KindKeepAlive, 1, nil)
	if err != nil {
		t.Fatalf("Failed to create frame: %v", err)
	}
	var body DataBody
	if err := frame.Decode(&body); err == nil {
		t.Error("Expected error decoding empty body")
	}
}

func TestCodec_Sequence(t *testing.T) {
	var buf bytes.Buffer
	c := NewCodec(&buf)

	for i := 0; i < 3; i++ {
		if err := c.Send(constants.KindData, &DataBody{Payload: []byte{byte(i)}}); err != nil {
			t.Fatalf("Send %d failed: %v", i, err)
		}
	}

	for i := 0; i < 3; i++ {
		var body DataBody
		if err := c.Expect(constants.KindData, &body); err != nil {
			t.Fatalf("Expect %d failed: %v", i, err)
		}
		if len(body.Payload) != 1 || body.Payload[0] != byte(i) {
			t.Errorf("Expected payload %d, got %v", i, body.Payload)
		}
	}
}

func TestCodec_RejectsReplayedSequence(t *testing.T) {
	var buf bytes.Buffer
	for _, seq := range []uint64{1, 1} {
		f, _ := NewFrame(constants.KindKeepAlive, seq, nil)
		if err := WriteFrame(&buf, f); err != nil {
			t.Fatalf("WriteFrame failed: %v", err)
		}
	}

	c := NewCodec(&buf)
	if _, err := c.Recv(); err != nil {
		t.Fatalf("First Recv failed: %v", err)
	}
	if _, err := c.Recv(); err == nil {
		t.Error("Expected error for repeated sequence number")
	}
}

func TestCodec_ExpectWrongKind(t *testing.T) {
	var buf bytes.Buffer
	c := NewCodec(&buf)
	if err := c.Send(constants.KindKeepAlive, nil); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	var resp AllocResponse
	if err := c.Expect(constants.KindAllocResponse, &resp); err == nil {
		t.Error("Expected error for wrong frame kind")
	}
}

func TestError(t *testing.T) {
	err := ErrCapacity(5)
	if !err.IsRetryable() {
		t.Error("Capacity errors should be retryable")
	}
	if got := err.Error(); got != "ouroboros error CAPACITY: flow table full (retry after 5s)" {
		t.Errorf("Unexpected message: %s", got)
	}

	if ErrRefused("no").IsRetryable() {
		t.Error("Refused errors should not be retryable")
	}
	if name := ErrorCodeName(999); name != "UNKNOWN_999" {
		t.Errorf("Expected UNKNOWN_999, got %s", name)
	}

	resp := AllocResponse{ID: "x", Error: ErrNameNotFound("oecho")}
	data, mErr := cborcanon.Marshal(resp)
	if mErr != nil {
		t.Fatalf("Marshal failed: %v", mErr)
	}
	var decoded AllocResponse
	if uErr := cborcanon.Unmarshal(data, &decoded); uErr != nil {
		t.Fatalf("Unmarshal failed: %v", uErr)
	}
	if decoded.Error == nil || decoded.Error.Code != constants.ErrorNameNotFound {
		t.Errorf("Expected NAME_NOT_FOUND in response, got %+v", decoded.Error)
	}
}

func BenchmarkWriteReadFrame(b *testing.B) {
	payload := make([]byte, constants.DefaultReadSize)
	var buf bytes.Buffer
	for i := 0; i < b.N; i++ {
		f, _ := NewFrame(constants.KindData, uint64(i+1), &DataBody{Payload: payload})
		_ = WriteFrame(&buf, f)
		_, _ = ReadFrame(&buf)
	}
}
