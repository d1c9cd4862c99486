package encoding

import (
	"bytes"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	grpcencoding "google.golang.org/grpc/encoding"
)

type record struct {
	RegionID uint64 `msgpack:"region_id"`
	Key      []byte `msgpack:"key"`
	Value    []byte `msgpack:"value,omitempty"`
	CommitTS uint64 `msgpack:"commit_ts"`
}

func TestMarshal_RoundTripStruct(t *testing.T) {
	in := record{RegionID: 7, Key: []byte("k1"), Value: []byte("v1"), CommitTS: 110}

	data, err := Marshal(in)
	require.NoError(t, err)
	require.NotEmpty(t, data)

	var out record
	require.NoError(t, Unmarshal(data, &out))
	assert.Equal(t, in, out)
}

func TestMarshal_NilValueStaysNil(t *testing.T) {
	data, err := Marshal(record{RegionID: 1, Key: []byte("k")})
	require.NoError(t, err)

	var out record
	require.NoError(t, Unmarshal(data, &out))
	assert.Nil(t, out.Value)
}

func TestMarshal_ResultNotShared(t *testing.T) {
	a, err := Marshal("first")
	require.NoError(t, err)
	b, err := Marshal("second")
	require.NoError(t, err)

	var s string
	require.NoError(t, Unmarshal(a, &s))
	assert.Equal(t, "first", s)
	require.NoError(t, Unmarshal(b, &s))
	assert.Equal(t, "second", s)
}

func TestUnmarshal_StringNotBytes(t *testing.T) {
	data, err := Marshal(map[string]interface{}{"op": "put"})
	require.NoError(t, err)

	var out map[string]interface{}
	require.NoError(t, Unmarshal(data, &out))
	_, isString := out["op"].(string)
	assert.True(t, isString, "expected string, got %T", out["op"])
}

func TestMarshal_Concurrent(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				in := record{RegionID: uint64(id), CommitTS: uint64(j)}
				data, err := Marshal(in)
				if err != nil {
					t.Errorf("Marshal failed: %v", err)
					return
				}
				var out record
				if err := Unmarshal(data, &out); err != nil || out != in {
					t.Errorf("round trip mismatch: %v %+v", err, out)
					return
				}
			}
		}(i)
	}
	wg.Wait()
}

func TestEncoderDecoder_Stream(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, enc.Encode(record{RegionID: i, Key: []byte{byte(i)}}))
	}

	dec := NewDecoder(&buf)
	var got []uint64
	for {
		var r record
		err := dec.Decode(&r)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, r.RegionID)
	}
	assert.Equal(t, []uint64{1, 2, 3}, got)
}

func TestCodec_Registered(t *testing.T) {
	c := grpcencoding.GetCodec(CodecName)
	require.NotNil(t, c)
	assert.Equal(t, CodecName, c.Name())

	data, err := c.Marshal(&record{RegionID: 3, CommitTS: 9})
	require.NoError(t, err)

	var out record
	require.NoError(t, c.Unmarshal(data, &out))
	assert.Equal(t, uint64(3), out.RegionID)
	assert.Equal(t, uint64(9), out.CommitTS)
}

func BenchmarkMarshal(b *testing.B) {
	in := record{RegionID: 1, Key: []byte("some-key"), Value: bytes.Repeat([]byte("v"), 128), CommitTS: 42}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := Marshal(in); err != nil {
			b.Fatal(err)
		}
	}
}
