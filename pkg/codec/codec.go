// Package codec implements the engine's attribute encoder/decoder
// (spec.md §4.2): serializing attribute maps to/from the constrained
// metadata dictionary and/or the object body, applying per-field secret
// encryption, and compressing large bodies.
//
// Behaviors are modeled as the tagged enum spec.md §9 calls for (no class
// hierarchy): Behavior is a small closed type, and EncodeRecord/
// DecodeRecord dispatch on it directly.
//
// Per-field secret encryption is grounded on pkg/keyring's fileStore
// seal/open methods: the same aes.NewCipher → cipher.NewGCM →
// random-nonce Seal/Open construction, generalized to derive a per-field
// key from the database's encryptionKey and a per-field salt instead of
// a single master password.
package codec

import (
	"bytes"
	"compress/gzip"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/s3db-go/s3db/pkg/dberrors"
)

// Behavior selects where a record's attributes live, per spec.md §3.
type Behavior int

const (
	MetadataOnly Behavior = iota
	BodyOnly
	Mixed
	UserManaged
)

// FieldType is the closed set of scalar/container kinds a field can
// declare. Codec has no dependency on pkg/schema (the dependency graph in
// spec.md §2 keeps Codec a leaf alongside ObjectClient); Resource adapts
// a compiled schema.Field into a codec.FieldSpec when it calls Encode/
// DecodeRecord.
type FieldType int

const (
	TypeString FieldType = iota
	TypeNumber
	TypeBool
	TypeDate
	TypeObject
	TypeArray
)

// FieldSpec describes one attribute's wire shape for encode/decode.
type FieldSpec struct {
	Name   string
	Type   FieldType
	Secret bool
}

// BodyPayloadKey is the reserved attribute key carrying the
// caller-supplied opaque payload in UserManaged behavior.
const BodyPayloadKey = "__body"

// engine-owned metadata keys, per spec.md §6.1 ("prefixed with _").
const (
	MetaVersion        = "_v"
	MetaCreatedAt      = "_ca"
	MetaUpdatedAt      = "_ua"
	MetaBodyCompressed = "_bc"
)

const secretVersionTag = "v1"

// Codec encodes/decodes attribute maps for one Database, holding the
// derived encryption material and the configured spill/compression
// thresholds.
type Codec struct {
	encryptionKey       []byte
	spillThresholdBytes int
	compressionThreshold int
}

// New creates a Codec. encryptionKey may be empty only if no field in
// any resource declares the secret marker; attempting to encrypt with an
// empty key fails loudly rather than silently storing plaintext.
func New(encryptionKey string, spillThresholdBytes, compressionThreshold int) *Codec {
	return &Codec{
		encryptionKey:        []byte(encryptionKey),
		spillThresholdBytes:  spillThresholdBytes,
		compressionThreshold: compressionThreshold,
	}
}

// EncodeRecord serializes attrs into a metadata dictionary and/or body
// per behavior, encrypting secret fields and spilling to body when the
// Mixed behavior's metadata budget would be exceeded.
func (c *Codec) EncodeRecord(attrs map[string]any, fields []FieldSpec, behavior Behavior) (map[string]string, []byte, error) {
	metadata := make(map[string]string)

	switch behavior {
	case UserManaged:
		for _, f := range fields {
			if f.Name == BodyPayloadKey {
				continue
			}
			v, ok := attrs[f.Name]
			if !ok {
				continue
			}
			encoded, err := c.encodeField(f, v)
			if err != nil {
				return nil, nil, err
			}
			metadata[f.Name] = encoded
		}
		var body []byte
		if raw, ok := attrs[BodyPayloadKey]; ok {
			switch v := raw.(type) {
			case []byte:
				body = v
			case string:
				body = []byte(v)
			default:
				return nil, nil, dberrors.New(dberrors.ValidationFailed, "invalid_body_payload", "user-managed body payload must be string or []byte")
			}
		}
		body, compressed := c.maybeCompress(body)
		if compressed {
			metadata[MetaBodyCompressed] = "1"
		}
		return metadata, body, nil

	case BodyOnly:
		bodyMap := make(map[string]any, len(fields))
		for _, f := range fields {
			v, ok := attrs[f.Name]
			if !ok {
				continue
			}
			encoded, err := c.encodeField(f, v)
			if err != nil {
				return nil, nil, err
			}
			bodyMap[f.Name] = encoded
		}
		body, err := json.Marshal(bodyMap)
		if err != nil {
			return nil, nil, dberrors.Wrap(dberrors.ValidationFailed, "encode_failed", "failed to marshal body", err)
		}
		body, compressed := c.maybeCompress(body)
		if compressed {
			metadata[MetaBodyCompressed] = "1"
		}
		return metadata, body, nil

	case MetadataOnly:
		for _, f := range fields {
			v, ok := attrs[f.Name]
			if !ok {
				continue
			}
			encoded, err := c.encodeField(f, v)
			if err != nil {
				return nil, nil, err
			}
			metadata[f.Name] = encoded
		}
		return metadata, nil, nil

	default: // Mixed
		return c.encodeMixed(attrs, fields)
	}
}

func (c *Codec) encodeMixed(attrs map[string]any, fields []FieldSpec) (map[string]string, []byte, error) {
	metadata := make(map[string]string)
	spilled := make(map[string]any)
	budget := c.spillThresholdBytes
	if budget <= 0 {
		budget = 2000
	}

	// Deterministic order: declared field order for metadata admission,
	// but spill overflow is computed on the field's encoded size so the
	// same record always spills the same fields.
	used := 0
	sortedFields := append([]FieldSpec(nil), fields...)
	sort.SliceStable(sortedFields, func(i, j int) bool { return sortedFields[i].Name < sortedFields[j].Name })

	for _, f := range sortedFields {
		v, ok := attrs[f.Name]
		if !ok {
			continue
		}

		if f.Type == TypeObject || f.Type == TypeArray {
			spilled[f.Name] = v
			continue
		}

		encoded, err := c.encodeField(f, v)
		if err != nil {
			return nil, nil, err
		}

		cost := len(f.Name) + len(encoded)
		if used+cost > budget {
			spilled[f.Name] = v
			continue
		}
		metadata[f.Name] = encoded
		used += cost
	}

	if len(spilled) == 0 {
		return metadata, nil, nil
	}

	// Re-encode spilled scalars through the same field rules (secrets
	// stay encrypted even in the body).
	bodyMap := make(map[string]any, len(spilled))
	for name, v := range spilled {
		spec := fieldSpecFor(fields, name)
		if spec.Type == TypeObject || spec.Type == TypeArray {
			bodyMap[name] = v
			continue
		}
		encoded, err := c.encodeField(spec, v)
		if err != nil {
			return nil, nil, err
		}
		bodyMap[name] = encoded
	}

	body, err := json.Marshal(bodyMap)
	if err != nil {
		return nil, nil, dberrors.Wrap(dberrors.ValidationFailed, "encode_failed", "failed to marshal spilled body", err)
	}
	body, compressed := c.maybeCompress(body)
	if compressed {
		metadata[MetaBodyCompressed] = "1"
	}
	return metadata, body, nil
}

func fieldSpecFor(fields []FieldSpec, name string) FieldSpec {
	for _, f := range fields {
		if f.Name == name {
			return f
		}
	}
	return FieldSpec{Name: name, Type: TypeString}
}

// DecodeRecord reverses EncodeRecord: it reconstructs the attribute map
// from metadata and/or body according to behavior.
func (c *Codec) DecodeRecord(metadata map[string]string, body []byte, fields []FieldSpec, behavior Behavior) (map[string]any, error) {
	if metadata[MetaBodyCompressed] == "1" {
		decompressed, err := c.maybeDecompress(body)
		if err != nil {
			return nil, err
		}
		body = decompressed
	}

	attrs := make(map[string]any)

	switch behavior {
	case UserManaged:
		for _, f := range fields {
			if raw, ok := metadata[f.Name]; ok {
				v, err := c.decodeField(f, raw)
				if err != nil {
					return nil, err
				}
				attrs[f.Name] = v
			}
		}
		if len(body) > 0 {
			attrs[BodyPayloadKey] = body
		}
		return attrs, nil

	case BodyOnly:
		if len(body) == 0 {
			return attrs, nil
		}
		var bodyMap map[string]any
		if err := json.Unmarshal(body, &bodyMap); err != nil {
			return nil, dberrors.Wrap(dberrors.ValidationFailed, "decode_failed", "failed to unmarshal body", err)
		}
		for _, f := range fields {
			raw, ok := bodyMap[f.Name]
			if !ok {
				continue
			}
			v, err := c.decodeFieldFromJSON(f, raw)
			if err != nil {
				return nil, err
			}
			attrs[f.Name] = v
		}
		return attrs, nil

	case MetadataOnly:
		for _, f := range fields {
			raw, ok := metadata[f.Name]
			if !ok {
				continue
			}
			v, err := c.decodeField(f, raw)
			if err != nil {
				return nil, err
			}
			attrs[f.Name] = v
		}
		return attrs, nil

	default: // Mixed
		var bodyMap map[string]any
		if len(body) > 0 {
			if err := json.Unmarshal(body, &bodyMap); err != nil {
				return nil, dberrors.Wrap(dberrors.ValidationFailed, "decode_failed", "failed to unmarshal spilled body", err)
			}
		}
		for _, f := range fields {
			if raw, ok := metadata[f.Name]; ok {
				v, err := c.decodeField(f, raw)
				if err != nil {
					return nil, err
				}
				attrs[f.Name] = v
				continue
			}
			if bodyMap == nil {
				continue
			}
			if raw, ok := bodyMap[f.Name]; ok {
				v, err := c.decodeFieldFromJSON(f, raw)
				if err != nil {
					return nil, err
				}
				attrs[f.Name] = v
			}
		}
		return attrs, nil
	}
}

// encodeField produces the tagged-string wire form of one field.
func (c *Codec) encodeField(f FieldSpec, v any) (string, error) {
	if f.Secret {
		s, ok := v.(string)
		if !ok {
			return "", dberrors.New(dberrors.ValidationFailed, "invalid_secret_value", fmt.Sprintf("field %q must be a string to encrypt", f.Name))
		}
		return c.encryptSecret(f.Name, s)
	}

	switch f.Type {
	case TypeString:
		s, _ := v.(string)
		return "s:" + s, nil
	case TypeNumber:
		n, err := toFloat64(v)
		if err != nil {
			return "", err
		}
		return "n:" + strconv.FormatFloat(n, 'g', -1, 64), nil
	case TypeBool:
		b, _ := v.(bool)
		return "b:" + strconv.FormatBool(b), nil
	case TypeDate:
		t, err := toTime(v)
		if err != nil {
			return "", err
		}
		return "t:" + t.UTC().Format(time.RFC3339Nano), nil
	case TypeObject, TypeArray:
		raw, err := json.Marshal(v)
		if err != nil {
			return "", dberrors.Wrap(dberrors.ValidationFailed, "encode_failed", fmt.Sprintf("failed to marshal field %q", f.Name), err)
		}
		return "j:" + string(raw), nil
	default:
		return "", dberrors.New(dberrors.ValidationFailed, "unknown_field_type", fmt.Sprintf("unknown field type for %q", f.Name))
	}
}

func (c *Codec) decodeField(f FieldSpec, raw string) (any, error) {
	if f.Secret {
		return c.decryptSecret(f.Name, raw)
	}
	if len(raw) < 2 || raw[1] != ':' {
		return raw, nil
	}
	tag, payload := raw[:1], raw[2:]
	switch tag {
	case "s":
		return payload, nil
	case "n":
		n, err := strconv.ParseFloat(payload, 64)
		if err != nil {
			return nil, dberrors.Wrap(dberrors.ValidationFailed, "decode_failed", fmt.Sprintf("field %q is not a number", f.Name), err)
		}
		return n, nil
	case "b":
		return payload == "true", nil
	case "t":
		t, err := time.Parse(time.RFC3339Nano, payload)
		if err != nil {
			return nil, dberrors.Wrap(dberrors.ValidationFailed, "decode_failed", fmt.Sprintf("field %q is not a date", f.Name), err)
		}
		return t, nil
	case "j":
		var v any
		if err := json.Unmarshal([]byte(payload), &v); err != nil {
			return nil, dberrors.Wrap(dberrors.ValidationFailed, "decode_failed", fmt.Sprintf("field %q is not valid JSON", f.Name), err)
		}
		return v, nil
	default:
		return raw, nil
	}
}

func (c *Codec) decodeFieldFromJSON(f FieldSpec, raw any) (any, error) {
	if s, ok := raw.(string); ok {
		return c.decodeField(f, s)
	}
	return raw, nil
}

func toFloat64(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, dberrors.Wrap(dberrors.ValidationFailed, "invalid_number", "value is not numeric", err)
		}
		return f, nil
	default:
		return 0, dberrors.New(dberrors.ValidationFailed, "invalid_number", "value is not numeric")
	}
}

func toTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}, dberrors.Wrap(dberrors.ValidationFailed, "invalid_date", "value is not an ISO-8601 date", err)
		}
		return parsed, nil
	default:
		return time.Time{}, dberrors.New(dberrors.ValidationFailed, "invalid_date", "value is not a date")
	}
}

// encryptSecret AES-GCM encrypts plaintext with a key derived from the
// database's encryptionKey and fieldName as the per-field salt.
func (c *Codec) encryptSecret(fieldName, plaintext string) (string, error) {
	block, err := aes.NewCipher(c.deriveKey(fieldName))
	if err != nil {
		return "", dberrors.Wrap(dberrors.DecryptionFailed, "cipher_init_failed", "failed to initialize cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", dberrors.Wrap(dberrors.DecryptionFailed, "gcm_init_failed", "failed to initialize GCM", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", dberrors.Wrap(dberrors.DecryptionFailed, "nonce_generation_failed", "failed to generate nonce", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return "enc:" + secretVersionTag + ":" + base64.StdEncoding.EncodeToString(ciphertext), nil
}

func (c *Codec) decryptSecret(fieldName, tagged string) (string, error) {
	const prefix = "enc:" + secretVersionTag + ":"
	if len(tagged) <= len(prefix) || tagged[:len(prefix)] != prefix {
		return "", dberrors.NewDecryptionFailed(fieldName, fmt.Errorf("unrecognized secret envelope"))
	}
	data, err := base64.StdEncoding.DecodeString(tagged[len(prefix):])
	if err != nil {
		return "", dberrors.NewDecryptionFailed(fieldName, err)
	}

	block, err := aes.NewCipher(c.deriveKey(fieldName))
	if err != nil {
		return "", dberrors.NewDecryptionFailed(fieldName, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", dberrors.NewDecryptionFailed(fieldName, err)
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", dberrors.NewDecryptionFailed(fieldName, fmt.Errorf("ciphertext too short"))
	}
	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", dberrors.NewDecryptionFailed(fieldName, err)
	}
	return string(plaintext), nil
}

// deriveKey derives a 32-byte AES-256 key from the database's
// encryptionKey and a per-field salt (the field name), so that
// compromising one field's key material does not expose every secret
// field with a single key.
func (c *Codec) deriveKey(salt string) []byte {
	h := sha256.New()
	h.Write(c.encryptionKey)
	h.Write([]byte(":"))
	h.Write([]byte(salt))
	sum := h.Sum(nil)
	return sum[:]
}

// maybeCompress gzips body when it exceeds the configured compression
// threshold, reporting whether it did so. The caller records that
// outcome in the record's metadata (MetaBodyCompressed) since a body's
// raw bytes — especially an opaque UserManaged payload — cannot be
// trusted to reveal on their own whether they were compressed.
func (c *Codec) maybeCompress(body []byte) ([]byte, bool) {
	if len(body) == 0 {
		return body, false
	}
	threshold := c.compressionThreshold
	if threshold <= 0 {
		threshold = 10 * 1024
	}
	if len(body) <= threshold {
		return body, false
	}

	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(body); err != nil {
		return body, false
	}
	if err := w.Close(); err != nil {
		return body, false
	}
	return buf.Bytes(), true
}

func (c *Codec) maybeDecompress(body []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, dberrors.Wrap(dberrors.ValidationFailed, "decompress_failed", "failed to open gzip body", err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, dberrors.Wrap(dberrors.ValidationFailed, "decompress_failed", "failed to read gzip body", err)
	}
	return out, nil
}
