package stages

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"path"
	"strings"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/encoding/htmlindex"

	"roster-pipeline/internal/blob"
	"roster-pipeline/internal/logging"
	"roster-pipeline/internal/orchestrator"
)

const maxMIMEDepth = 8

var (
	ErrMissingMessageID = eris.New("message has no Message-ID header")
	ErrMissingSender    = eris.New("message has no From header")
)

// Intake loads the raw message from blob storage and decodes it into artifacts.
type Intake struct {
	blobs  blob.Store
	logger *zap.Logger
}

func NewIntake(blobs blob.Store, logger *zap.Logger) *Intake {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Intake{blobs: blobs, logger: logger.Named("intake")}
}

func (i *Intake) Run(ctx context.Context, c orchestrator.Context) (orchestrator.Context, error) {
	if c.Job.RawURI == "" {
		return c, eris.New("job has no raw message")
	}
	raw, err := blob.ReadAll(ctx, i.blobs, c.Job.RawURI)
	if err != nil {
		return c, eris.Wrap(err, "load raw message")
	}
	art, err := ParseMessage(raw)
	if err != nil {
		return c, err
	}
	for idx := range art.Attachments {
		a := &art.Attachments[idx]
		if !isPDF(a.ContentType, a.Name) {
			continue
		}
		pages, err := api.PageCount(bytes.NewReader(a.Data), nil)
		if err != nil {
			c.Notef("could not count pages of %s: %v", a.Name, err)
			continue
		}
		a.Pages = pages
	}
	c.Artifacts = art
	c.Notef("intake: %d attachments, body %d chars", len(art.Attachments), len(art.BodyText)+len(art.BodyHTML))
	logging.Job(i.logger, c.JobID).Debug("message decoded",
		zap.String("message_id", art.MessageID),
		zap.Int("attachments", len(art.Attachments)),
	)
	return c, nil
}

// ParseMessage decodes an RFC 822 message into body text, HTML and attachments.
func ParseMessage(raw []byte) (*orchestrator.Artifacts, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, eris.Wrap(err, "parse message")
	}
	art := &orchestrator.Artifacts{
		MessageID:   strings.TrimSpace(msg.Header.Get("Message-Id")),
		Subject:     decodeWords(msg.Header.Get("Subject")),
		Attachments: []orchestrator.Attachment{},
	}
	if art.MessageID == "" {
		return nil, ErrMissingMessageID
	}
	from := strings.TrimSpace(msg.Header.Get("From"))
	if from == "" {
		return nil, ErrMissingSender
	}
	if addr, err := mail.ParseAddress(from); err == nil {
		art.Sender = strings.ToLower(addr.Address)
	} else {
		art.Sender = strings.ToLower(from)
	}
	if date, err := msg.Header.Date(); err == nil {
		art.ReceivedAt = date.UTC()
	} else {
		art.ReceivedAt = time.Now().UTC()
	}
	if err := walkPart(art, msg.Header, msg.Body, 0); err != nil {
		return nil, err
	}
	return art, nil
}

type headerGetter interface {
	Get(key string) string
}

func walkPart(art *orchestrator.Artifacts, header headerGetter, body io.Reader, depth int) error {
	if depth > maxMIMEDepth {
		return eris.New("mime nesting too deep")
	}
	mediaType, params, err := mime.ParseMediaType(header.Get("Content-Type"))
	if err != nil {
		mediaType, params = "text/plain", map[string]string{}
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		mr := multipart.NewReader(body, params["boundary"])
		for {
			part, err := mr.NextRawPart()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return eris.Wrap(err, "read mime part")
			}
			if err := walkPart(art, part.Header, part, depth+1); err != nil {
				return err
			}
		}
	}

	data, err := io.ReadAll(transferDecoder(header.Get("Content-Transfer-Encoding"), body))
	if err != nil {
		return eris.Wrapf(err, "decode %s part", mediaType)
	}

	disposition, dparams, _ := mime.ParseMediaType(header.Get("Content-Disposition"))
	name := decodeWords(dparams["filename"])
	if name == "" {
		name = decodeWords(params["name"])
	}
	if name == "" && disposition != "attachment" {
		switch mediaType {
		case "text/plain":
			art.BodyText += decodeCharset(data, params["charset"])
			return nil
		case "text/html":
			art.BodyHTML += decodeCharset(data, params["charset"])
			return nil
		}
	}
	if name == "" {
		name = "attachment" + extensionFor(mediaType)
	}
	art.Attachments = append(art.Attachments, orchestrator.Attachment{
		Name:        path.Base(name),
		ContentType: mediaType,
		Data:        data,
		Size:        len(data),
	})
	return nil
}

func transferDecoder(encoding string, r io.Reader) io.Reader {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "base64":
		return base64.NewDecoder(base64.StdEncoding, r)
	case "quoted-printable":
		return quotedprintable.NewReader(r)
	}
	return r
}

func decodeCharset(data []byte, charset string) string {
	charset = strings.ToLower(strings.TrimSpace(charset))
	if charset == "" || charset == "utf-8" || charset == "us-ascii" {
		return string(data)
	}
	enc, err := htmlindex.Get(charset)
	if err != nil {
		return string(data)
	}
	out, err := enc.NewDecoder().Bytes(data)
	if err != nil {
		return string(data)
	}
	return string(out)
}

func decodeWords(s string) string {
	dec := mime.WordDecoder{CharsetReader: func(charset string, input io.Reader) (io.Reader, error) {
		enc, err := htmlindex.Get(charset)
		if err != nil {
			return nil, err
		}
		return enc.NewDecoder().Reader(input), nil
	}}
	out, err := dec.DecodeHeader(s)
	if err != nil {
		return s
	}
	return out
}

func extensionFor(mediaType string) string {
	exts, err := mime.ExtensionsByType(mediaType)
	if err != nil || len(exts) == 0 {
		return ".bin"
	}
	return exts[0]
}

func isPDF(contentType, name string) bool {
	return contentType == "application/pdf" || strings.EqualFold(path.Ext(name), ".pdf")
}
