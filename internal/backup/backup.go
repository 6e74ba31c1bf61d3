// Package backup exports and imports the channel records of a node for
// manual reconciliation. An export is a flatbuffers Backup table carrying a
// blake3 checksum, compressed with zstd.
package backup

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"time"

	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"Paylane/internal/channel"
	"Paylane/internal/keyspace"
	"Paylane/internal/logger"
	"Paylane/internal/records"
	"Paylane/internal/storage"
	"Paylane/internal/types"
)

const (
	// formatVersion is the current export format version.
	formatVersion = 1

	// maxDecodedSize bounds the decompressed size of an export.
	maxDecodedSize = 256 << 20
)

var (
	// ErrChecksum is returned when an export does not match its checksum.
	ErrChecksum = errors.New("backup checksum mismatch")

	// ErrMalformed is returned when an export cannot be decoded.
	ErrMalformed = errors.New("malformed backup")

	// ErrExists is returned when an import would overwrite a stored record.
	ErrExists = errors.New("channel record already stored")

	// ErrWrongAccount is returned when an export belongs to another account.
	ErrWrongAccount = errors.New("backup belongs to another account")
)

// Record is one exported channel record.
type Record struct {
	Channel channel.ID // Channel is the record's channel
	Data    []byte     // Data is the encoded signed state
}

// Backup is a decoded and verified export.
type Backup struct {
	Version   uint32          // Version is the format version
	Account   channel.Address // Account is the exporting node's account
	CreatedAt time.Time       // CreatedAt is the export time
	Records   []Record        // Records in ascending channel id order
}

// Export collects every channel record in kv and returns the compressed export.
func Export(kv keyspace.KV, account channel.Address, now time.Time) ([]byte, error) {
	var recs []Record

	err := records.New(kv).Raw(func(id channel.ID, data []byte) error {
		recs = append(recs, Record{Channel: id, Data: bytes.Clone(data)})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("collect records:\n%w", err)
	}

	b := &Backup{Version: formatVersion, Account: account, CreatedAt: now, Records: recs}

	compressed, err := compress(build(b))
	if err != nil {
		return nil, fmt.Errorf("compress backup:\n%w", err)
	}

	logger.Info("backup exported", "account", account.Hex(), "records", len(recs), "bytes", len(compressed))

	return compressed, nil
}

// Decode decompresses an export and verifies its checksum.
func Decode(data []byte) (*Backup, error) {
	raw, err := decompress(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	b, stored, err := parse(raw)
	if err != nil {
		return nil, err
	}

	if b.Version != formatVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformed, b.Version)
	}

	if checksum(b) != stored {
		return nil, ErrChecksum
	}

	return b, nil
}

// Import writes the records of an export into kv in one batch. It refuses
// the whole export when any record is already stored, when a record does
// not decode to its channel, or when the export belongs to another account.
func Import(kv keyspace.KV, account channel.Address, data []byte) (int, error) {
	b, err := Decode(data)
	if err != nil {
		return 0, err
	}

	if b.Account != account {
		return 0, fmt.Errorf("%w: exported by %s", ErrWrongAccount, b.Account.Hex())
	}

	store := records.New(kv)
	ops := make([]storage.Op, 0, len(b.Records))

	for _, r := range b.Records {
		rec, err := channel.Decode(r.Data)
		if err != nil {
			return 0, fmt.Errorf("record %s:\n%w", r.Channel.Short(), err)
		}

		if rec.Channel != r.Channel {
			return 0, fmt.Errorf("%w: record %s holds channel %s", ErrMalformed, r.Channel.Short(), rec.Channel.Short())
		}

		if err := rec.Validate(); err != nil {
			return 0, fmt.Errorf("record %s:\n%w", r.Channel.Short(), err)
		}

		exists, err := store.Has(r.Channel)
		if err != nil {
			return 0, err
		}

		if exists {
			return 0, fmt.Errorf("%w: %s", ErrExists, r.Channel)
		}

		ops = append(ops, storage.Op{Key: keyspace.Channel(r.Channel), Value: r.Data})
	}

	if err := kv.Apply(ops); err != nil {
		return 0, fmt.Errorf("write records:\n%w", err)
	}

	logger.Info("backup imported", "account", account.Hex(), "records", len(ops))

	return len(ops), nil
}

// build serializes a backup with its checksum.
func build(b *Backup) []byte {
	sort.Slice(b.Records, func(i, j int) bool {
		return bytes.Compare(b.Records[i].Channel[:], b.Records[j].Channel[:]) < 0
	})

	sum := checksum(b)

	builder := flatbuffers.NewBuilder(1024)

	offsets := make([]flatbuffers.UOffsetT, len(b.Records))
	for i, r := range b.Records {
		idOffset := builder.CreateByteVector(r.Channel[:])
		dataOffset := builder.CreateByteVector(r.Data)

		types.BackupRecordStart(builder)
		types.BackupRecordAddChannelId(builder, idOffset)
		types.BackupRecordAddData(builder, dataOffset)
		offsets[i] = types.BackupRecordEnd(builder)
	}

	types.BackupStartRecordsVector(builder, len(offsets))
	for i := len(offsets) - 1; i >= 0; i-- {
		builder.PrependUOffsetT(offsets[i])
	}
	recordsVector := builder.EndVector(len(offsets))

	accountOffset := builder.CreateByteVector(b.Account[:])
	checksumOffset := builder.CreateByteVector(sum[:])

	types.BackupStart(builder)
	types.BackupAddVersion(builder, b.Version)
	types.BackupAddAccount(builder, accountOffset)
	types.BackupAddCreatedAt(builder, uint64(b.CreatedAt.UnixMilli()))
	types.BackupAddRecords(builder, recordsVector)
	types.BackupAddChecksum(builder, checksumOffset)
	builder.Finish(types.BackupEnd(builder))

	return builder.FinishedBytes()
}

// parse reads the flatbuffers table, returning the backup and its stored checksum.
func parse(raw []byte) (b *Backup, sum [32]byte, err error) {
	if len(raw) < flatbuffers.SizeUOffsetT {
		return nil, sum, fmt.Errorf("%w: %d bytes", ErrMalformed, len(raw))
	}

	defer func() {
		if r := recover(); r != nil {
			b, err = nil, fmt.Errorf("%w: %v", ErrMalformed, r)
		}
	}()

	fb := types.GetRootAsBackup(raw, 0)

	account := fb.AccountBytes()
	if len(account) != len(channel.Address{}) {
		return nil, sum, fmt.Errorf("%w: account is %d bytes", ErrMalformed, len(account))
	}

	stored := fb.ChecksumBytes()
	if len(stored) != len(sum) {
		return nil, sum, fmt.Errorf("%w: checksum is %d bytes", ErrMalformed, len(stored))
	}
	copy(sum[:], stored)

	b = &Backup{
		Version:   fb.Version(),
		CreatedAt: time.UnixMilli(int64(fb.CreatedAt())),
		Records:   make([]Record, fb.RecordsLength()),
	}
	copy(b.Account[:], account)

	var rec types.BackupRecord
	for i := range b.Records {
		fb.Records(&rec, i)

		id := rec.ChannelIdBytes()
		if len(id) != channel.IDSize {
			return nil, sum, fmt.Errorf("%w: record %d has a %d-byte channel id", ErrMalformed, i, len(id))
		}

		copy(b.Records[i].Channel[:], id)
		b.Records[i].Data = bytes.Clone(rec.DataBytes())
	}

	return b, sum, nil
}

// checksum computes a blake3 hash over the canonical backup contents.
func checksum(b *Backup) [32]byte {
	hasher := blake3.New()

	var buf [8]byte
	binary.LittleEndian.PutUint32(buf[:4], b.Version)
	hasher.Write(buf[:4])
	hasher.Write(b.Account[:])
	binary.LittleEndian.PutUint64(buf[:], uint64(b.CreatedAt.UnixMilli()))
	hasher.Write(buf[:])

	for _, r := range b.Records {
		hasher.Write(r.Channel[:])
		binary.LittleEndian.PutUint32(buf[:4], uint32(len(r.Data)))
		hasher.Write(buf[:4])
		hasher.Write(r.Data)
	}

	var sum [32]byte
	hasher.Sum(sum[:0])

	return sum
}

// compress compresses data using zstd.
func compress(data []byte) ([]byte, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	defer encoder.Close()

	return encoder.EncodeAll(data, nil), nil
}

// decompress decompresses zstd data, bounded by maxDecodedSize.
func decompress(data []byte) ([]byte, error) {
	decoder, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecodedSize))
	if err != nil {
		return nil, err
	}
	defer decoder.Close()

	return decoder.DecodeAll(data, nil)
}
