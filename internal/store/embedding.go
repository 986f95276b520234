package store

import (
	"database/sql"
	"encoding/binary"
	"math"
	"sort"
	"time"
)

// EncodeEmbedding packs a vector as little-endian float32 bytes.
func EncodeEmbedding(vec []float32) []byte {
	if len(vec) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(vec))
	for i, f := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// DecodeEmbedding unpacks little-endian float32 bytes.
func DecodeEmbedding(buf []byte) []float32 {
	if len(buf) == 0 || len(buf)%4 != 0 {
		return nil
	}
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}

// Cosine returns the cosine similarity of two vectors, 0 on mismatch.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// SetEmbedding stores a message's embedding vector.
func (s *Store) SetEmbedding(messageID string, vec []float32, now time.Time) error {
	_, err := s.db.Exec(`UPDATE messages SET embedding = ?, updated_at = ? WHERE id = ?`,
		EncodeEmbedding(vec), fmtTime(now), messageID)
	return err
}

type scored struct {
	msg   *Message
	score float64
}

// SimilarMessages returns up to k chat messages ranked by cosine similarity
// to query, skipping the excluded ids (typically the job's own sources).
// Candidates are scanned in Go; the per-chat corpus is small enough that a
// vector index would not pay for itself.
func (s *Store) SimilarMessages(chatID string, query []float32, k int, exclude []string) ([]*Message, error) {
	if len(query) == 0 || k <= 0 {
		return nil, nil
	}
	skip := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}

	rows, err := s.db.Query(`SELECT `+messageCols+`, embedding FROM messages
		WHERE platform_chat_id = ? AND embedding IS NOT NULL AND is_deleted = 0`, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var candidates []scored
	for rows.Next() {
		var m Message
		var platformID, attachments sql.NullString
		var routedAt, auditAt, rewrittenAt, createdAt, updatedAt sql.NullString
		var isDeleted int
		var blob []byte
		err := rows.Scan(&m.ID, &m.TraceID, &platformID, &m.PlatformChatID, &m.PlatformSenderID,
			&m.Direction, &m.Content, &attachments, &m.ContentVersion, &m.AuditProcessedVersion,
			&routedAt, &auditAt, &isDeleted, &m.ReplyToID, &m.JobID, &rewrittenAt,
			&createdAt, &updatedAt, &blob)
		if err != nil {
			return nil, err
		}
		if skip[m.ID] {
			continue
		}
		vec := DecodeEmbedding(blob)
		score := Cosine(query, vec)
		if score <= 0 {
			continue
		}
		m.PlatformID = platformID.String
		m.Attachments = unmarshalAttachments(attachments.String)
		m.CreatedAt = scanTimeOr(createdAt, time.Time{})
		m.UpdatedAt = scanTimeOr(updatedAt, m.CreatedAt)
		candidates = append(candidates, scored{msg: &m, score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })
	if len(candidates) > k {
		candidates = candidates[:k]
	}
	out := make([]*Message, len(candidates))
	for i, c := range candidates {
		out[i] = c.msg
	}
	return out, nil
}
