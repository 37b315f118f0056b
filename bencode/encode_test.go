package bencode

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSimpleEncode(t *testing.T) {
	require := require.New(t)

	obj := struct {
		Mary   []byte `bencode:"m"`
		Joseph []byte `bencode:"j"`
		Peter  int64  `bencode:"p"`
		Paul   string `bencode:"pp"`
	}{
		Peter:  1234,
		Paul:   "abcdefghij",
		Joseph: []byte("0123456789"),
		Mary:   []byte("0123"),
	}
	buf, err := Serialize(&obj)
	require.Nil(err)
	require.Equal([]byte("d1:j10:01234567891:m4:01231:pi1234e2:pp10:abcdefghije"), buf)
}

func TestEncodeMapKeysSorted(t *testing.T) {
	require := require.New(t)

	buf, err := Serialize(map[string]uint32{"zeta": 1, "alpha": 2, "mid": 3})
	require.Nil(err)
	require.Equal([]byte("d5:alphai2e3:midi3e4:zetai1ee"), buf)
}

func TestEncodeOmitEmpty(t *testing.T) {
	require := require.New(t)

	type body struct {
		Room    string `bencode:"room_id"`
		Session string `bencode:"session_id,omitempty"`
	}
	buf, err := Serialize(body{Room: "!a:b"})
	require.Nil(err)
	require.Equal([]byte("d7:room_id4:!a:be"), buf)
}

func TestDigestIgnoresFieldOrder(t *testing.T) {
	require := require.New(t)

	a := struct {
		One string `bencode:"a"`
		Two string `bencode:"b"`
	}{"x", "y"}
	b := struct {
		Two string `bencode:"b"`
		One string `bencode:"a"`
	}{"y", "x"}
	da, err := Digest(&a)
	require.Nil(err)
	db, err := Digest(b)
	require.Nil(err)
	require.Equal(da, db)
}

func TestEncodeRejectsUntaggedField(t *testing.T) {
	require := require.New(t)

	_, err := Serialize(struct{ Name string }{"x"})
	require.Error(err)

	var nilPtr *struct {
		A string `bencode:"a"`
	}
	_, err = Serialize(nilPtr)
	require.Error(err)
}
