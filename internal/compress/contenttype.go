// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package compress

import (
	"mime"
	"net/http"
	"path/filepath"
	"strings"
)

type contentClass int

const (
	classUnknown contentClass = iota
	classCompressible
	classIncompressible
)

// Formatos de áudio e projeto que não estão na tabela de mime do sistema.
var extensionTypes = map[string]string{
	".wav":    "audio/wav",
	".wave":   "audio/wav",
	".aif":    "audio/aiff",
	".aiff":   "audio/aiff",
	".mp3":    "audio/mpeg",
	".flac":   "audio/flac",
	".ogg":    "audio/ogg",
	".opus":   "audio/ogg",
	".m4a":    "audio/mp4",
	".aac":    "audio/aac",
	".mid":    "audio/midi",
	".midi":   "audio/midi",
	".als":    "application/x-ableton-project",
	".logicx": "application/x-logic-project",
	".flp":    "application/x-flstudio-project",
	".ptx":    "application/x-protools-session",
	".rpp":    "text/x-reaper-project",
	".json":   "application/json",
	".xml":    "application/xml",
	".txt":    "text/plain",
	".csv":    "text/csv",
	".zip":    "application/zip",
	".gz":     "application/gzip",
	".zst":    "application/zstd",
	".7z":     "application/x-7z-compressed",
	".rar":    "application/vnd.rar",
}

// DetectContentType infere o content type pelo nome e, sem pista no nome,
// pelos primeiros bytes.
func DetectContentType(filename string, data []byte) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext != "" {
		if ct, ok := extensionTypes[ext]; ok {
			return ct
		}
		if ct := mime.TypeByExtension(ext); ct != "" {
			return ct
		}
	}
	if len(data) == 0 {
		return "application/octet-stream"
	}
	return http.DetectContentType(data)
}

func classify(contentType string) contentClass {
	ct := strings.ToLower(contentType)
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}

	switch ct {
	case "audio/wav", "audio/wave", "audio/x-wav", "audio/aiff", "audio/x-aiff",
		"audio/midi", "application/json", "application/xml",
		"application/x-ableton-project", "application/x-logic-project",
		"application/x-flstudio-project", "application/x-protools-session":
		return classCompressible
	case "audio/mpeg", "audio/flac", "audio/ogg", "audio/mp4", "audio/aac",
		"application/zip", "application/gzip", "application/x-gzip", "application/zstd",
		"application/x-7z-compressed", "application/vnd.rar", "application/pdf":
		return classIncompressible
	}

	switch {
	case strings.HasPrefix(ct, "text/"), strings.HasSuffix(ct, "+json"), strings.HasSuffix(ct, "+xml"):
		return classCompressible
	case strings.HasPrefix(ct, "image/"), strings.HasPrefix(ct, "video/"):
		return classIncompressible
	}
	return classUnknown
}
