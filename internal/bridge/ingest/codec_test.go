package ingest

import (
	"testing"

	"github.com/banshee-data/cloudbridge/internal/bridge/frame"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func fullSample() *RawSample {
	pts := testPoints(5)
	mask := frame.AttrIntensity
	pose := [16]float64{1, 0, 0, 1.5, 0, 1, 0, -2, 0, 0, 1, 0.25, 0, 0, 0, 1}
	return &RawSample{
		SourceID:     "lidar-0",
		Sequence:     123456789,
		CaptureNanos: 1_700_000_000_123_456_789,
		Attributes:   mask,
		PointCount:   uint32(len(pts)),
		Payload:      EncodePoints(pts, mask),
		Pose:         &pose,
	}
}

func TestCodecs_Roundtrip(t *testing.T) {
	cborCodec, err := NewCBORCodec()
	require.NoError(t, err)

	for _, c := range []Codec{ProtoCodec{}, cborCodec} {
		t.Run(c.Name(), func(t *testing.T) {
			want := fullSample()
			data, err := c.Encode(want)
			require.NoError(t, err)

			got, err := c.Decode(data)
			require.NoError(t, err)
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("roundtrip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestProtoCodec_SkipsUnknownFields(t *testing.T) {
	data, err := ProtoCodec{}.Encode(fullSample())
	require.NoError(t, err)

	data = protowire.AppendTag(data, 99, protowire.BytesType)
	data = protowire.AppendString(data, "future field")
	data = protowire.AppendTag(data, 100, protowire.Fixed32Type)
	data = protowire.AppendFixed32(data, 7)

	got, err := ProtoCodec{}.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "lidar-0", got.SourceID)
}

func TestProtoCodec_RejectsBadInput(t *testing.T) {
	wrongType := protowire.AppendTag(nil, fieldSequence, protowire.BytesType)
	wrongType = protowire.AppendString(wrongType, "x")

	shortPose := protowire.AppendTag(nil, fieldPose, protowire.BytesType)
	shortPose = protowire.AppendBytes(shortPose, make([]byte, 8))

	truncated := protowire.AppendTag(nil, fieldPayload, protowire.BytesType)
	truncated = protowire.AppendVarint(truncated, 50)

	for name, data := range map[string][]byte{
		"wrong wire type": wrongType,
		"short pose":      shortPose,
		"truncated bytes": truncated,
	} {
		_, err := ProtoCodec{}.Decode(data)
		assert.Error(t, err, name)
	}
}

func TestCBORCodec_RejectsGarbage(t *testing.T) {
	c, err := NewCBORCodec()
	require.NoError(t, err)
	_, err = c.Decode([]byte{0xff, 0x00})
	assert.Error(t, err)
}

func TestCodecByName(t *testing.T) {
	for _, name := range []string{"", "proto", "CBOR"} {
		c, err := CodecByName(name)
		require.NoError(t, err, name)
		assert.NotNil(t, c)
	}
	_, err := CodecByName("json")
	assert.Error(t, err)
}

func TestStride(t *testing.T) {
	assert.Equal(t, 12, Stride(0))
	assert.Equal(t, 16, Stride(frame.AttrIntensity))
	assert.Equal(t, 16, Stride(frame.AttrColor))
	assert.Equal(t, 20, Stride(frame.AttrIntensity|frame.AttrColor))
}
