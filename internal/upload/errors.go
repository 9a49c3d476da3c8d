// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package upload

import "errors"

var (
	// ErrArtifactQuarantined é retornado para qualquer leitura de artefato de
	// sessão virus_detected.
	ErrArtifactQuarantined = errors.New("artifact is quarantined")
	// ErrArtifactNotReady indica sessão ainda não concluída.
	ErrArtifactNotReady = errors.New("artifact is not available until the upload completes")
	// ErrNotAcceptingChunks indica sessão fora de pending/uploading.
	ErrNotAcceptingChunks = errors.New("session does not accept chunks")
)
