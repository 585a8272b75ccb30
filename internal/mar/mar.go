package mar

import (
	"bytes"
	"crypto"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha512"
	"encoding/binary"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
)

// Signature algorithm ids defined by the MAR format.
const (
	// algRSAPKCS1SHA1 is the legacy scheme, RSA-PKCS1v15 over SHA-1 with
	// 2048-bit keys.
	algRSAPKCS1SHA1 uint32 = 1
	// algRSAPKCS1SHA384 is the current scheme, RSA-PKCS1v15 over SHA-384
	// with 4096-bit keys.
	algRSAPKCS1SHA384 uint32 = 2
)

const (
	// marMagic opens every MAR file.
	marMagic = "MAR1"
	// signedHeaderLen covers magic, index offset, stored file size and
	// signature count. Everything before the first signature record.
	signedHeaderLen = 20
	// signatureRecordPrefixLen covers a record's algorithm id and size
	// fields, which are part of the signed region.
	signatureRecordPrefixLen = 8

	// maxSignatures and maxSignatureLen bound what a well-formed archive may
	// carry, mirroring the format's own limits.
	maxSignatures   = 8
	maxSignatureLen = 2048
)

// VerificationError reports a package whose signatures could not be trusted.
// It is fatal for the run and never retried.
type VerificationError struct {
	// Path is the local path of the rejected package.
	Path string
	// Reason describes the failure.
	Reason string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("signature verification of %q failed: %s", e.Path, e.Reason)
}

// marHeader is the fixed-size prefix of a signed archive.
type marHeader struct {
	Magic       [4]byte
	IndexOffset uint32
	FileSize    uint64
	SigCount    uint32
}

// signatureRecord is one parsed signature.
type signatureRecord struct {
	algorithmID uint32
	value       []byte
}

// span is a byte range of the file belonging to the signed region.
type span struct {
	offset int64
	length int64
}

// VerifySignatures checks that the MAR file at path carries at least one
// signature and that every signature uses a known algorithm and verifies
// against at least one of the trusted keys. The signed region is the whole
// file minus the raw signature bytes.
func VerifySignatures(path string, keys []*rsa.PublicKey) error {
	if len(keys) == 0 {
		return &VerificationError{Path: path, Reason: "no trusted keys provided"}
	}

	file, err := os.Open(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("open package: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat package: %w", err)
	}

	records, signedSpans, err := parseSignatureBlock(file, info.Size())
	if err != nil {
		if verr, ok := err.(*VerificationError); ok {
			verr.Path = path
		}

		return err
	}

	digests, err := digestSignedRegion(file, records, signedSpans)
	if err != nil {
		if verr, ok := err.(*VerificationError); ok {
			verr.Path = path
		}

		return err
	}

	for i, record := range records {
		if !verifiesAgainstAny(keys, record, digests[i]) {
			return &VerificationError{
				Path:   path,
				Reason: fmt.Sprintf("signature %d does not verify against any trusted key", i),
			}
		}
	}

	return nil
}

// parseSignatureBlock reads the header and signature records and computes
// the byte ranges covered by the signatures. The returned errors carry no
// path; the caller fills it in.
func parseSignatureBlock(file *os.File, actualSize int64) ([]signatureRecord, []span, error) {
	var header marHeader
	if err := binary.Read(file, binary.BigEndian, &header); err != nil {
		return nil, nil, &VerificationError{Reason: "truncated header"}
	}

	if !bytes.Equal(header.Magic[:], []byte(marMagic)) {
		return nil, nil, &VerificationError{Reason: "bad magic, not a MAR file"}
	}

	if header.FileSize != uint64(actualSize) {
		return nil, nil, &VerificationError{
			Reason: fmt.Sprintf("stored size %d does not match actual size %d", header.FileSize, actualSize),
		}
	}

	if int64(header.IndexOffset) > actualSize {
		return nil, nil, &VerificationError{Reason: "index offset beyond end of file"}
	}

	if header.SigCount == 0 {
		return nil, nil, &VerificationError{Reason: "archive is not signed"}
	}

	if header.SigCount > maxSignatures {
		return nil, nil, &VerificationError{
			Reason: fmt.Sprintf("%d signatures exceeds the format limit of %d", header.SigCount, maxSignatures),
		}
	}

	records := make([]signatureRecord, 0, header.SigCount)
	spans := make([]span, 0, header.SigCount+2)
	spans = append(spans, span{offset: 0, length: signedHeaderLen})

	cursor := int64(signedHeaderLen)

	for i := uint32(0); i < header.SigCount; i++ {
		var algorithmID, size uint32

		if err := binary.Read(file, binary.BigEndian, &algorithmID); err != nil {
			return nil, nil, &VerificationError{Reason: "truncated signature record"}
		}

		if err := binary.Read(file, binary.BigEndian, &size); err != nil {
			return nil, nil, &VerificationError{Reason: "truncated signature record"}
		}

		if size == 0 || size > maxSignatureLen {
			return nil, nil, &VerificationError{
				Reason: fmt.Sprintf("signature %d has implausible size %d", i, size),
			}
		}

		value := make([]byte, size)
		if _, err := io.ReadFull(file, value); err != nil {
			return nil, nil, &VerificationError{Reason: "truncated signature record"}
		}

		records = append(records, signatureRecord{algorithmID: algorithmID, value: value})
		spans = append(spans, span{offset: cursor, length: signatureRecordPrefixLen})
		cursor += signatureRecordPrefixLen + int64(size)
	}

	if cursor > actualSize {
		return nil, nil, &VerificationError{Reason: "signature block extends beyond end of file"}
	}

	spans = append(spans, span{offset: cursor, length: actualSize - cursor})

	return records, spans, nil
}

// digestSignedRegion hashes the signed spans once, feeding every signature's
// digest in a single pass over the file.
func digestSignedRegion(file *os.File, records []signatureRecord, spans []span) ([][]byte, error) {
	hashes := make([]hash.Hash, len(records))
	writers := make([]io.Writer, len(records))

	for i, record := range records {
		digest, err := newDigest(record.algorithmID)
		if err != nil {
			return nil, err
		}

		hashes[i] = digest
		writers[i] = digest
	}

	sink := io.MultiWriter(writers...)

	for _, s := range spans {
		if _, err := io.Copy(sink, io.NewSectionReader(file, s.offset, s.length)); err != nil {
			return nil, fmt.Errorf("read signed region: %w", err)
		}
	}

	digests := make([][]byte, len(records))
	for i := range hashes {
		digests[i] = hashes[i].Sum(nil)
	}

	return digests, nil
}

func newDigest(algorithmID uint32) (hash.Hash, error) {
	switch algorithmID {
	case algRSAPKCS1SHA1:
		return sha1.New(), nil
	case algRSAPKCS1SHA384:
		return sha512.New384(), nil
	default:
		return nil, &VerificationError{Reason: fmt.Sprintf("unknown signature algorithm %d", algorithmID)}
	}
}

func verifiesAgainstAny(keys []*rsa.PublicKey, record signatureRecord, digest []byte) bool {
	var scheme crypto.Hash

	switch record.algorithmID {
	case algRSAPKCS1SHA1:
		scheme = crypto.SHA1
	case algRSAPKCS1SHA384:
		scheme = crypto.SHA384
	default:
		return false
	}

	for _, key := range keys {
		if err := rsa.VerifyPKCS1v15(key, scheme, digest, record.value); err == nil {
			return true
		}
	}

	return false
}
