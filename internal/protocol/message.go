// ============================================================================
// Pyramid Wire Protocol - 協調者與 island 之間的固定長度訊息
// ============================================================================
//
// Package: internal/protocol
// 文件: message.go
//
// 記錄格式 (固定 16 bytes，大端序，兩個方向相同):
//
//	offset  size  field
//	0       1     state   (Phase, 僅供參考)
//	1       1     kind    (Kind, 唯一的分派依據)
//	2       2     reserved (必須為 0)
//	4       4     int32   generation count / generation number
//	8       8     float64 fitness / cutoff / statistic value (IEEE-754 bits)
//
// 設計要點:
//   - 每個 Kind 只帶自己需要的欄位 (sum type)，未使用的欄位編碼為 0
//   - 明確的欄位寬度與位元組順序，不依賴記憶體佈局
//   - 讀到的長度不等於 MessageSize 一律視為「尚無訊息」，不做片段重組
//
// ============================================================================

package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// MessageSize is the size of every record on the wire.
const MessageSize = 16

// Unbounded is the EXECUTE_RUN generation count meaning "run to completion
// without further synchronization".
const Unbounded int32 = math.MaxInt32

var (
	// ErrShortMessage means the buffer does not hold exactly one record.
	ErrShortMessage = errors.New("protocol: record size mismatch")
	// ErrNilMessage is returned when encoding an envelope without a body.
	ErrNilMessage = errors.New("protocol: nil message")
)

// Kind discriminates the payload of a record.
type Kind uint8

const (
	KindExecuteRun      Kind = iota // coordinator -> island, payload: generations
	KindFitnessReport               // island -> coordinator, payload: best fitness of the batch
	KindPrune                       // coordinator -> island, payload: cutoff (advisory)
	KindAverageFitness              // island -> coordinator, payload: value + generation
	KindBestFitness                 // island -> coordinator, payload: value + generation
	KindAverageTreeSize             // island -> coordinator, payload: value + generation
)

func (k Kind) String() string {
	switch k {
	case KindExecuteRun:
		return "EXECUTE_RUN"
	case KindFitnessReport:
		return "FITNESS_REPORT"
	case KindPrune:
		return "PRUNE"
	case KindAverageFitness:
		return "AVERAGE_FITNESS"
	case KindBestFitness:
		return "BEST_FITNESS"
	case KindAverageTreeSize:
		return "AVERAGE_TREE_SIZE"
	default:
		return fmt.Sprintf("KIND(%d)", uint8(k))
	}
}

// DecodeError reports a record whose kind is not part of the protocol.
type DecodeError struct {
	Kind Kind
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("protocol: unknown message kind %d", uint8(e.Kind))
}

// Message is one of ExecuteRun, FitnessReport, Prune or Stat.
type Message interface {
	Kind() Kind
	isMessage()
}

// ExecuteRun tells an island to evolve Generations more generations and
// then report. Unbounded means never report again.
type ExecuteRun struct {
	Generations int32
}

// IsUnbounded reports whether the island should run to completion.
func (m ExecuteRun) IsUnbounded() bool { return m.Generations == Unbounded }

// FitnessReport carries the best fitness seen during the batch that just ended.
type FitnessReport struct {
	Fitness float64
}

// Prune instructs the island to terminate. Cutoff is diagnostic only.
type Prune struct {
	Cutoff float64
}

// Stat is per-generation telemetry; StatKind is one of the three
// statistic kinds.
type Stat struct {
	StatKind   Kind
	Generation int32
	Value      float64
}

func (ExecuteRun) Kind() Kind    { return KindExecuteRun }
func (FitnessReport) Kind() Kind { return KindFitnessReport }
func (Prune) Kind() Kind         { return KindPrune }
func (m Stat) Kind() Kind        { return m.StatKind }

func (ExecuteRun) isMessage()    {}
func (FitnessReport) isMessage() {}
func (Prune) isMessage()         {}
func (Stat) isMessage()          {}

// Envelope is a message plus the sender's advisory phase.
type Envelope struct {
	State Phase
	Msg   Message
}

// IsStatKind reports whether k is a telemetry kind.
func IsStatKind(k Kind) bool {
	return k == KindAverageFitness || k == KindBestFitness || k == KindAverageTreeSize
}

// Encode writes env into a fresh MessageSize buffer.
func Encode(env Envelope) ([]byte, error) {
	buf := make([]byte, MessageSize)
	if err := EncodeTo(buf, env); err != nil {
		return nil, err
	}
	return buf, nil
}

// EncodeTo writes env into buf, which must be exactly MessageSize long.
func EncodeTo(buf []byte, env Envelope) error {
	if len(buf) != MessageSize {
		return ErrShortMessage
	}
	if env.Msg == nil {
		return ErrNilMessage
	}
	clear(buf)

	buf[0] = byte(env.State)
	buf[1] = byte(env.Msg.Kind())

	switch m := env.Msg.(type) {
	case ExecuteRun:
		binary.BigEndian.PutUint32(buf[4:8], uint32(m.Generations))
	case FitnessReport:
		binary.BigEndian.PutUint64(buf[8:16], math.Float64bits(m.Fitness))
	case Prune:
		binary.BigEndian.PutUint64(buf[8:16], math.Float64bits(m.Cutoff))
	case Stat:
		if !IsStatKind(m.StatKind) {
			return &DecodeError{Kind: m.StatKind}
		}
		binary.BigEndian.PutUint32(buf[4:8], uint32(m.Generation))
		binary.BigEndian.PutUint64(buf[8:16], math.Float64bits(m.Value))
	default:
		return fmt.Errorf("protocol: unsupported message type %T", env.Msg)
	}
	return nil
}

// Decode parses one record. The state byte is carried through untouched,
// whatever its value.
func Decode(buf []byte) (Envelope, error) {
	if len(buf) != MessageSize {
		return Envelope{}, ErrShortMessage
	}

	env := Envelope{State: Phase(buf[0])}
	gen := int32(binary.BigEndian.Uint32(buf[4:8]))
	val := math.Float64frombits(binary.BigEndian.Uint64(buf[8:16]))

	switch kind := Kind(buf[1]); kind {
	case KindExecuteRun:
		env.Msg = ExecuteRun{Generations: gen}
	case KindFitnessReport:
		env.Msg = FitnessReport{Fitness: val}
	case KindPrune:
		env.Msg = Prune{Cutoff: val}
	case KindAverageFitness, KindBestFitness, KindAverageTreeSize:
		env.Msg = Stat{StatKind: kind, Generation: gen, Value: val}
	default:
		return Envelope{}, &DecodeError{Kind: kind}
	}
	return env, nil
}
