package protocol

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTripEveryKind(t *testing.T) {
	cases := []Envelope{
		{State: PhaseRunGenerations, Msg: ExecuteRun{Generations: 5}},
		{State: PhaseIdle, Msg: ExecuteRun{Generations: Unbounded}},
		{State: PhaseEvaluate, Msg: FitnessReport{Fitness: 0.8125}},
		{State: PhasePrune, Msg: Prune{Cutoff: -3.5}},
		{State: PhaseRunGenerations, Msg: Stat{StatKind: KindAverageFitness, Generation: 12, Value: 0.25}},
		{State: PhaseRunGenerations, Msg: Stat{StatKind: KindBestFitness, Generation: 13, Value: 0.99}},
		{State: PhaseIdle, Msg: Stat{StatKind: KindAverageTreeSize, Generation: 14, Value: 42}},
	}

	for _, want := range cases {
		t.Run(want.Msg.Kind().String(), func(t *testing.T) {
			buf, err := Encode(want)
			require.NoError(t, err)
			assert.Len(t, buf, MessageSize)

			got, err := Decode(buf)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestEncodeLayout(t *testing.T) {
	buf, err := Encode(Envelope{State: PhaseRunGenerations, Msg: ExecuteRun{Generations: 3}})
	require.NoError(t, err)

	assert.Equal(t, byte(PhaseRunGenerations), buf[0])
	assert.Equal(t, byte(KindExecuteRun), buf[1])
	assert.Equal(t, []byte{0, 0, 0, 3}, buf[4:8], "generation count is big-endian")
	assert.Equal(t, make([]byte, 8), buf[8:16], "unused payload is zeroed")
}

func TestUnboundedSentinel(t *testing.T) {
	assert.Equal(t, int32(math.MaxInt32), Unbounded)
	assert.True(t, ExecuteRun{Generations: Unbounded}.IsUnbounded())
	assert.False(t, ExecuteRun{Generations: 5}.IsUnbounded())
}

func TestDecodeRejectsWrongSize(t *testing.T) {
	_, err := Decode(make([]byte, MessageSize-1))
	assert.ErrorIs(t, err, ErrShortMessage)

	_, err = Decode(make([]byte, MessageSize+1))
	assert.ErrorIs(t, err, ErrShortMessage)
}

func TestDecodeUnknownKind(t *testing.T) {
	buf := make([]byte, MessageSize)
	buf[1] = 0xEE

	_, err := Decode(buf)
	var decErr *DecodeError
	require.True(t, errors.As(err, &decErr))
	assert.Equal(t, Kind(0xEE), decErr.Kind)
}

func TestDecodeIgnoresStateValue(t *testing.T) {
	buf, err := Encode(Envelope{Msg: FitnessReport{Fitness: 1}})
	require.NoError(t, err)
	buf[0] = 0xFF

	env, err := Decode(buf)
	require.NoError(t, err, "an unexpected state byte must not make the record undecodable")
	assert.Equal(t, Phase(0xFF), env.State)
	assert.Equal(t, FitnessReport{Fitness: 1}, env.Msg)
}

func TestEncodeRejectsNilAndBadStat(t *testing.T) {
	_, err := Encode(Envelope{})
	assert.ErrorIs(t, err, ErrNilMessage)

	_, err = Encode(Envelope{Msg: Stat{StatKind: KindPrune}})
	assert.Error(t, err)
}

func TestHandshakeRoundTrip(t *testing.T) {
	for _, pid := range []int{1, 4242, math.MaxInt32} {
		got, err := DecodeHandshake(EncodeHandshake(pid))
		require.NoError(t, err)
		assert.Equal(t, pid, got)
	}

	_, err := DecodeHandshake([]byte{1, 2})
	assert.Error(t, err)
}
