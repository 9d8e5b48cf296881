package device

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTripNoCRC(t *testing.T) {
	resp := Response{Token: 42, Status: Ok, Payload: []byte{0x01, 0x02}}
	line := EncodeResponse(resp, false)
	got, err := DecodeResponseLine(line, false)
	require.NoError(t, err)
	require.Equal(t, resp.Token, got.Token)
	require.Equal(t, resp.Status, got.Status)
	require.Equal(t, resp.Payload, got.Payload)
}

func TestEncodeDecodeRoundTripWithCRC(t *testing.T) {
	resp := Response{Token: 7, Status: Error}
	line := EncodeResponse(resp, true)
	got, err := DecodeResponseLine(line, true)
	require.NoError(t, err)
	require.Equal(t, Error, got.Status)
}

func TestDecodeRejectsCorruptCRC(t *testing.T) {
	resp := Response{Token: 7, Status: Nack}
	line := EncodeResponse(resp, true)
	line[0] = 'X' // corrupt the token field
	_, err := DecodeResponseLine(line, true)
	require.ErrorIs(t, err, ErrBadCRC)
}

func TestDecodeRequiresCRCWhenMandated(t *testing.T) {
	resp := Response{Token: 1, Status: Ok}
	line := EncodeResponse(resp, false)
	_, err := DecodeResponseLine(line, true)
	require.ErrorIs(t, err, ErrMalformed)
}

func TestEncodeCommandRejectsOversizeArgs(t *testing.T) {
	cmd := Command{Device: PowerSupply, Token: 1, Opcode: "ENABLE", Args: make([]byte, MaxArgsLen+1)}
	_, err := EncodeCommand(cmd, false)
	require.ErrorIs(t, err, ErrArgsTooBig)
}

func TestDecodeMalformedLine(t *testing.T) {
	_, err := DecodeResponseLine([]byte("garbage"), false)
	require.ErrorIs(t, err, ErrMalformed)
}
