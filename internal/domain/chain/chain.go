// Пакет chain — hash-цепочка журнала аудита.
//
// hash = SHA-256(prev_hash ∥ canonical_payload ∥ timestamp), где
// canonical_payload — JSON-конверт с отсортированными ключами
// {actor_id, data, event_type, room_id, seq}, а timestamp — время
// записи в UTC с точностью до микросекунд (точность PostgreSQL).
package chain

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bigkaa/roomguard/internal/domain/model"
)

// GenesisHash — prev_hash первой записи цепочки.
var GenesisHash = strings.Repeat("0", 64)

// timestampLayout — фиксированный формат времени в хэшируемых данных.
const timestampLayout = "2006-01-02T15:04:05.000000Z"

// ErrPayloadNotObject — полезная нагрузка не является JSON-объектом.
var ErrPayloadNotObject = errors.New("полезная нагрузка должна быть JSON-объектом")

// Tail — последняя запись цепочки, к которой присоединяется новая.
type Tail struct {
	Seq  int64
	Hash string
}

// Genesis возвращает хвост пустой цепочки.
func Genesis() Tail {
	return Tail{Seq: 0, Hash: GenesisHash}
}

// Canonicalize приводит JSON-объект к канонической форме:
// ключи отсортированы, без пробелов, числа сохраняются как есть.
// Пустая нагрузка превращается в {}.
func Canonicalize(raw json.RawMessage) (json.RawMessage, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return json.RawMessage("{}"), nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("ошибка разбора полезной нагрузки: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("ошибка разбора полезной нагрузки: лишние данные после объекта")
	}
	if _, ok := v.(map[string]any); !ok {
		return nil, ErrPayloadNotObject
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// encoding/json сериализует map с отсортированными ключами
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("ошибка сериализации полезной нагрузки: %w", err)
	}
	return json.RawMessage(bytes.TrimRight(buf.Bytes(), "\n")), nil
}

// Normalize приводит время к UTC с точностью до микросекунд.
func Normalize(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// Compute вычисляет хэш записи по её полям.
// Payload хэшируется побайтно в том виде, в каком он хранится.
func Compute(e *model.AuditEntry) string {
	h := sha256.New()
	h.Write([]byte(e.PrevHash))
	h.Write(envelope(e))
	h.Write([]byte(Normalize(e.CreatedAt).Format(timestampLayout)))
	return hex.EncodeToString(h.Sum(nil))
}

// envelope собирает канонический конверт записи.
func envelope(e *model.AuditEntry) []byte {
	payload := []byte(e.Payload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	var buf bytes.Buffer
	buf.WriteString(`{"actor_id":`)
	buf.Write(quote(e.ActorID))
	buf.WriteString(`,"data":`)
	buf.Write(payload)
	buf.WriteString(`,"event_type":`)
	buf.Write(quote(e.EventType))
	buf.WriteString(`,"room_id":`)
	buf.Write(quote(e.RoomID))
	buf.WriteString(`,"seq":`)
	buf.WriteString(strconv.FormatInt(e.Seq, 10))
	buf.WriteByte('}')
	return buf.Bytes()
}

func quote(s string) []byte {
	b, _ := json.Marshal(s)
	return b
}

// Link формирует новую запись поверх хвоста tail и вычисляет её хэш.
// Полезная нагрузка канонизируется, время нормализуется.
func Link(tail Tail, ev model.AuditEvent, at time.Time) (*model.AuditEntry, error) {
	payload, err := Canonicalize(ev.Payload)
	if err != nil {
		return nil, err
	}

	e := &model.AuditEntry{
		Seq:       tail.Seq + 1,
		PrevHash:  tail.Hash,
		EventType: ev.EventType,
		ActorID:   ev.ActorID,
		RoomID:    ev.RoomID,
		Payload:   payload,
		CreatedAt: Normalize(at),
	}
	e.Hash = Compute(e)
	return e, nil
}

// Break — первое нарушение цепочки.
type Break struct {
	EntryID string
	Seq     int64
	Reason  string
}

// Verifier проверяет цепочку постранично: состояние хвоста
// переносится между вызовами Feed.
type Verifier struct {
	tail    Tail
	checked int
}

// NewVerifier начинает проверку после якоря anchor.
// Для проверки с начала цепочки используйте Genesis().
func NewVerifier(anchor Tail) *Verifier {
	return &Verifier{tail: anchor}
}

// Feed проверяет очередную страницу записей, упорядоченную по seq.
// Возвращает первое нарушение или nil.
func (v *Verifier) Feed(entries []model.AuditEntry) *Break {
	for i := range entries {
		e := &entries[i]
		if e.Seq != v.tail.Seq+1 {
			return &Break{EntryID: e.ID, Seq: e.Seq,
				Reason: fmt.Sprintf("пропуск в последовательности: ожидали seq %d", v.tail.Seq+1)}
		}
		if e.PrevHash != v.tail.Hash {
			return &Break{EntryID: e.ID, Seq: e.Seq, Reason: "prev_hash не совпадает с хэшем предыдущей записи"}
		}
		if Compute(e) != e.Hash {
			return &Break{EntryID: e.ID, Seq: e.Seq, Reason: "хэш записи не совпадает с содержимым"}
		}
		v.tail = Tail{Seq: e.Seq, Hash: e.Hash}
		v.checked++
	}
	return nil
}

// Checked возвращает количество проверенных записей.
func (v *Verifier) Checked() int {
	return v.checked
}

// Tail возвращает последнюю проверенную позицию.
func (v *Verifier) Tail() Tail {
	return v.tail
}
