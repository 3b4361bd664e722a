package fcgiapp

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// UploadedFile describes one file part extracted from a multipart body,
// the Go shape of the {filename, content_type, path, size} dict the
// original parser built per upload.
type UploadedFile struct {
	Filename    string
	ContentType string
	Path        string
	Size        int64
}

// multipartReader holds the state a streaming RFC 2388 parse needs across
// parts, mirroring multipart_ctx_t from original_source/src/multipart.c.
type multipartReader struct {
	r         *bufio.Reader
	boundary  string
	tempDir   string
	maxBytes  int64
	bytesRead int64
	log       *zap.Logger
	eof       bool
	post      map[string]interface{}
	files     map[string]*UploadedFile
}

// ParseMultipart streams a multipart/form-data body (without re-reading it
// into memory twice), splitting it into form fields (post) and uploaded
// files (files), spooling file parts to tempDir. maxBytes is checked before
// each part: once the bytes consumed reach it, parsing stops with a logged
// warning and the parts collected so far are returned. A part already being
// read when the cap is crossed is read to its end. maxBytes <= 0 disables
// the check.
func ParseMultipart(body io.Reader, boundary, tempDir string, maxBytes int64, log *zap.Logger) (post map[string]interface{}, files map[string]*UploadedFile, err error) {
	if log == nil {
		log = zap.NewNop()
	}
	if tempDir == "" {
		tempDir = os.TempDir()
	}

	mr := &multipartReader{
		r:        bufio.NewReaderSize(body, 8192),
		boundary: "--" + boundary,
		tempDir:  tempDir,
		maxBytes: maxBytes,
		log:      log,
		post:     make(map[string]interface{}),
		files:    make(map[string]*UploadedFile),
	}

	// The leading boundary line is consumed here, up front, so parsePart
	// never has to special-case the first part.
	if _, err := mr.readLine(); err != nil && err != io.EOF {
		return nil, nil, wrap(err, ErrProtocol, "reading multipart boundary line")
	}

	for !mr.eof {
		if mr.maxBytes > 0 && mr.bytesRead >= mr.maxBytes {
			mr.log.Warn("multipart body exceeded max size, truncating",
				zap.Int64("maxBytes", mr.maxBytes))
			break
		}
		if err := mr.parsePart(); err != nil {
			return nil, nil, err
		}
	}

	return mr.post, mr.files, nil
}

// readLine returns one line (trailing "\r\n" included when present),
// tracking consumed bytes against the configured cap.
func (mr *multipartReader) readLine() (string, error) {
	line, err := mr.r.ReadString('\n')
	mr.bytesRead += int64(len(line))
	if err != nil && err != io.EOF {
		return line, wrap(err, ErrProtocol, "reading multipart line")
	}
	return line, err
}

// isBoundaryHit reports whether line opens with this stream's delimiter,
// and whether it is the terminal "--boundary--" closing line.
func (mr *multipartReader) isBoundaryHit(line string) (hit, final bool) {
	trimmed := strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(trimmed, mr.boundary) {
		return false, false
	}
	return true, strings.HasSuffix(trimmed, mr.boundary+"--")
}

// parsePart reads one part's headers, then dispatches to the file or
// form-field body parser based on Content-Disposition, ported from
// smisk_multipart_parse_part.
func (mr *multipartReader) parsePart() error {
	var partName, filename, contentType string
	isFile := false

	for {
		line, err := mr.readLine()
		if err != nil && line == "" {
			mr.eof = true
			return nil
		}
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			break // blank line: end of this part's headers
		}

		lower := strings.ToLower(trimmed)
		switch {
		case strings.HasPrefix(lower, "content-disposition:"):
			partName, filename, isFile = parseContentDisposition(trimmed[len("content-disposition:"):])
		case strings.HasPrefix(lower, "content-type:"):
			contentType = strings.TrimSpace(trimmed[len("content-type:"):])
		}

		if err == io.EOF {
			mr.eof = true
			break
		}
	}

	if partName == "" {
		mr.eof = true
		return nil
	}

	if isFile {
		return mr.parseFilePart(partName, filename, contentType)
	}
	return mr.parseFormField(partName)
}

// parseContentDisposition extracts name= and filename= from a
// Content-Disposition header value, handling quoted values the way
// smisk_multipart_parse_part's strsep/'=' scan does.
func parseContentDisposition(s string) (name, filename string, isFile bool) {
	for _, field := range strings.Split(s, ";") {
		field = strings.TrimSpace(field)
		eq := strings.IndexByte(field, '=')
		if eq < 0 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(field[:eq]))
		val := strings.TrimSpace(field[eq+1:])
		val = strings.Trim(val, `"`)

		switch key {
		case "name":
			name = val
		case "filename":
			filename = val
			isFile = true
		}
	}
	return name, filename, isFile
}

// parseFilePart streams a file upload's body to a spooled temp file,
// using the two-line-buffer lookahead from smisk_multipart_parse_file so
// the trailing "\r\n" immediately before the next boundary is excluded
// from the written content without needing to seek backwards.
func (mr *multipartReader) parseFilePart(partName, filename, contentType string) error {
	var (
		f        *os.File
		path     string
		size     int64
		prevLine string
		havePrev bool
	)

	for {
		line, rerr := mr.readLine()
		if line == "" && rerr != nil {
			mr.eof = true
			break
		}

		hit, final := mr.isBoundaryHit(line)

		if havePrev {
			toWrite := prevLine
			if hit {
				toWrite = strings.TrimSuffix(toWrite, "\r\n")
			}
			if len(toWrite) > 0 {
				if f == nil {
					var err error
					f, path, err = mr.createTempFile()
					if err != nil {
						return err
					}
				}
				n, werr := f.WriteString(toWrite)
				if werr != nil {
					f.Close()
					return wrap(werr, ErrProtocol, "writing uploaded file content")
				}
				size += int64(n)
			}
		}

		if hit {
			if final {
				mr.eof = true
			}
			break
		}

		prevLine = line
		havePrev = true

		if rerr == io.EOF {
			mr.eof = true
			break
		}
	}

	if f != nil {
		if err := f.Close(); err != nil {
			return wrap(err, ErrProtocol, "closing uploaded file")
		}
	}

	if size > 0 {
		mr.files[partName] = &UploadedFile{
			Filename:    filename,
			ContentType: contentType,
			Path:        path,
			Size:        size,
		}
	}

	return nil
}

// createTempFile lazily spools an uploaded file part to disk, matching
// smisk_multipart_mktmpfile's lazy-open behavior (a zero-byte part never
// touches disk at all).
func (mr *multipartReader) createTempFile() (*os.File, string, error) {
	name := "fcgiapp-upload-" + uuid.NewString()
	path := filepath.Join(mr.tempDir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return nil, "", wrap(err, ErrProtocol, "creating upload temp file")
	}
	return f, path, nil
}

// parseFormField accumulates a non-file part's body up to the next
// boundary and stores it as a string (empty for an empty body) under
// partName in mr.post, collapsing repeats into a []string.
func (mr *multipartReader) parseFormField(partName string) error {
	var b strings.Builder

	for {
		line, rerr := mr.readLine()
		if line == "" && rerr != nil {
			mr.eof = true
			break
		}

		hit, final := mr.isBoundaryHit(line)
		if hit {
			if final {
				mr.eof = true
			}
			break
		}

		b.WriteString(line)

		if rerr == io.EOF {
			mr.eof = true
			break
		}
	}

	val := strings.TrimSuffix(b.String(), "\r\n")

	if existing, ok := mr.post[partName]; ok {
		switch e := existing.(type) {
		case []string:
			mr.post[partName] = append(e, val)
		case string:
			mr.post[partName] = []string{e, val}
		default:
			mr.post[partName] = []string{val}
		}
	} else {
		mr.post[partName] = val
	}

	return nil
}
