// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/nishisan-dev/n-upload/internal/assembly"
	"github.com/nishisan-dev/n-upload/internal/scan"
	"github.com/nishisan-dev/n-upload/internal/session"
	"github.com/nishisan-dev/n-upload/internal/storage"
)

// transition aplica ev sob o lock da sessão e persiste. mutate roda depois
// de Apply e antes do save; erro em mutate descarta a transição.
func (s *Service) transition(ctx context.Context, id string, ev session.Event, mutate func(*session.UploadSession) error) (*session.UploadSession, error) {
	return s.transitionIf(ctx, id, ev, nil, mutate)
}

// transitionIf é transition com uma pré-condição checada sob o lock, antes
// de Apply.
func (s *Service) transitionIf(ctx context.Context, id string, ev session.Event, guard, mutate func(*session.UploadSession) error) (*session.UploadSession, error) {
	mu := s.lockFor(id)
	mu.Lock()

	sess, err := s.repo.GetSession(ctx, id)
	if err != nil {
		mu.Unlock()
		return nil, err
	}
	if guard != nil {
		if err := guard(sess); err != nil {
			mu.Unlock()
			return nil, err
		}
	}
	prev, err := sess.Apply(ev, s.now())
	if err != nil {
		mu.Unlock()
		return nil, err
	}
	if mutate != nil {
		if err := mutate(sess); err != nil {
			mu.Unlock()
			return nil, err
		}
	}

	// Artefato em staging não sobrevive a um estado terminal sem sucesso.
	switch sess.Status {
	case session.StatusFailed, session.StatusCancelled, session.StatusVirusDetected:
		if sess.ArtifactLocation != "" {
			if err := s.artifacts.Delete(context.WithoutCancel(ctx), sess.ArtifactLocation); err != nil {
				s.logFor(sess).Warn("failed to remove staged artifact", "location", sess.ArtifactLocation, "error", err)
			} else {
				sess.ArtifactLocation = ""
			}
		}
	}

	if err := s.repo.UpdateSession(ctx, sess); err != nil {
		mu.Unlock()
		return nil, fmt.Errorf("saving session %s: %w", id, err)
	}
	mu.Unlock()

	s.afterTransition(ctx, sess, prev, ev)
	return sess, nil
}

func (s *Service) afterTransition(ctx context.Context, sess *session.UploadSession, prev session.Status, ev session.Event) {
	logger := s.logFor(sess)
	logger.Info("session transitioned", "from", prev, "to", sess.Status, "event", ev)

	if s.listener != nil {
		s.listener.SessionTransitioned(sess.Clone(), prev, ev)
	}
	if !sess.Status.IsTerminal() {
		return
	}

	bg := context.WithoutCancel(ctx)
	if sess.Status == session.StatusVirusDetected {
		if err := s.repo.QuarantineChunks(bg, sess.ID); err != nil {
			logger.Error("failed to quarantine chunks", "error", err)
		}
	}
	if sess.BatchID != "" && s.batches != nil {
		var (
			b   *session.Batch
			err error
		)
		if sess.Status == session.StatusCompleted {
			b, err = s.batches.MarkFileCompleted(bg, sess.BatchID)
		} else {
			b, err = s.batches.MarkFileFailed(bg, sess.BatchID)
		}
		if err != nil {
			logger.Warn("batch notification failed", "batch", sess.BatchID, "error", err)
		} else {
			logger.Info("batch updated",
				"batch", b.ID,
				"status", b.Status,
				"completed", b.CompletedFiles,
				"failed", b.FailedFiles,
				"total", b.TotalFiles,
			)
		}
	}
	if s.logs != nil {
		s.logs.Close(sess.ID, sess.Status != session.StatusCompleted)
	}
	s.locks.Delete(sess.ID)
}

// StartUpload move pending → uploading.
func (s *Service) StartUpload(ctx context.Context, id string) (*session.UploadSession, error) {
	return s.transition(ctx, id, session.EventStartUpload, nil)
}

// StartAssembly move uploading → assembling. Recusada enquanto houver
// chunks faltando.
func (s *Service) StartAssembly(ctx context.Context, id string) (*session.UploadSession, error) {
	return s.transition(ctx, id, session.EventStartAssembly, func(sess *session.UploadSession) error {
		chunks, err := s.repo.ListChunks(ctx, id)
		if err != nil {
			return fmt.Errorf("listing chunks: %w", err)
		}
		if missing := assembly.MissingChunks(sess, chunks); len(missing) > 0 {
			return &session.InvalidTransitionError{
				SessionID: id,
				From:      session.StatusUploading,
				Event:     session.EventStartAssembly,
				Reason:    fmt.Sprintf("chunks %v are missing", missing),
			}
		}
		return nil
	})
}

// StartVirusScan move assembling → virus_scanning.
func (s *Service) StartVirusScan(ctx context.Context, id string) (*session.UploadSession, error) {
	return s.transition(ctx, id, session.EventStartVirusScan, func(sess *session.UploadSession) error {
		if sess.ArtifactLocation == "" {
			return &session.InvalidTransitionError{
				SessionID: id,
				From:      session.StatusAssembling,
				Event:     session.EventStartVirusScan,
				Reason:    "artifact not assembled",
			}
		}
		return nil
	})
}

// StartFinalization move virus_scanning → finalizing.
func (s *Service) StartFinalization(ctx context.Context, id string) (*session.UploadSession, error) {
	return s.transition(ctx, id, session.EventStartFinalization, nil)
}

// DetectVirus move virus_scanning → virus_detected. O artefato é removido e
// os chunks da sessão ficam inelegíveis para deduplicação.
func (s *Service) DetectVirus(ctx context.Context, id, signature string) (*session.UploadSession, error) {
	return s.transition(ctx, id, session.EventDetectVirus, func(sess *session.UploadSession) error {
		sess.SetMeta(session.MetaScanResult, signature)
		return nil
	})
}

// Complete promove o artefato ao destino final e move finalizing →
// completed.
func (s *Service) Complete(ctx context.Context, id string) (*session.UploadSession, error) {
	return s.transition(ctx, id, session.EventComplete, func(sess *session.UploadSession) error {
		if sess.ArtifactLocation == "" {
			return &session.InvalidTransitionError{
				SessionID: id,
				From:      session.StatusFinalizing,
				Event:     session.EventComplete,
				Reason:    "no artifact to promote",
			}
		}
		final, err := s.artifacts.Promote(ctx, sess.ArtifactLocation, storage.Destination{
			Scope:    sess.Scope,
			Folder:   sess.Folder,
			Filename: sess.Filename,
		})
		if err != nil {
			return fmt.Errorf("promoting artifact of session %s: %w", id, err)
		}
		sess.ArtifactLocation = final
		return nil
	})
}

// Fail move qualquer estado não-terminal para failed, gravando a classe e a
// mensagem do erro em metadata.
func (s *Service) Fail(ctx context.Context, id, class string, cause error) (*session.UploadSession, error) {
	return s.transition(ctx, id, session.EventFail, func(sess *session.UploadSession) error {
		sess.SetMeta(session.MetaErrorClass, class)
		if cause != nil {
			sess.SetMeta(session.MetaError, cause.Error())
		}
		return nil
	})
}

// Cancel move qualquer estado não-terminal para cancelled. Transferências em
// andamento terminam e seus resultados são descartados.
func (s *Service) Cancel(ctx context.Context, id string) (*session.UploadSession, error) {
	return s.transition(ctx, id, session.EventCancel, nil)
}

// Expire cancela uma sessão que continua pending sem atividade desde
// before. Sessão que já saiu de pending ou foi tocada depois retorna
// InvalidTransitionError e fica como está.
func (s *Service) Expire(ctx context.Context, id string, before time.Time) (*session.UploadSession, error) {
	return s.transitionIf(ctx, id, session.EventCancel, func(sess *session.UploadSession) error {
		if sess.Status == session.StatusPending && sess.UpdatedAt.Before(before) {
			return nil
		}
		return &session.InvalidTransitionError{
			SessionID: id,
			From:      sess.Status,
			Event:     session.EventCancel,
			Reason:    "session is no longer an idle pending session",
		}
	}, nil)
}

// Assemble monta o artefato em staging de uma sessão assembling. Erro de
// montagem leva a sessão a failed.
func (s *Service) Assemble(ctx context.Context, id string) (*assembly.AssembledFile, error) {
	sess, err := s.repo.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Status != session.StatusAssembling {
		return nil, &session.InvalidTransitionError{
			SessionID: id,
			From:      sess.Status,
			Event:     session.EventStartAssembly,
			Reason:    "session is not assembling",
		}
	}
	chunks, err := s.repo.ListChunks(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("listing chunks: %w", err)
	}

	af, err := s.assembler.Assemble(ctx, sess, chunks)
	if err != nil {
		if interrupted(ctx, err) {
			// Chamador desistiu: a sessão continua assembling.
			return nil, err
		}
		if _, ferr := s.Fail(ctx, id, session.ClassAssembly, err); ferr != nil {
			s.logFor(sess).Warn("failed to mark session failed", "error", ferr)
		}
		return nil, err
	}

	mu := s.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	current, err := s.repo.GetSession(ctx, id)
	if err == nil && current.Status != session.StatusAssembling {
		// Cancelada durante a montagem.
		if derr := s.artifacts.Delete(context.WithoutCancel(ctx), af.Location); derr != nil {
			s.logFor(current).Warn("failed to remove staged artifact", "location", af.Location, "error", derr)
		}
		return nil, &session.InvalidTransitionError{
			SessionID: id,
			From:      current.Status,
			Event:     session.EventStartVirusScan,
			Reason:    "session left assembling during assembly",
		}
	}
	if err != nil {
		return nil, err
	}
	current.ArtifactLocation = af.Location
	current.ArtifactChecksum = af.Checksum
	current.UpdatedAt = s.now()
	if err := s.repo.UpdateSession(ctx, current); err != nil {
		return nil, fmt.Errorf("saving session %s: %w", id, err)
	}
	return af, nil
}

// Scan passa o artefato de uma sessão virus_scanning pelo antivírus e aplica
// o veredito: finalizing quando limpo, virus_detected quando sinalizado.
// Erro do scanner não altera o estado.
func (s *Service) Scan(ctx context.Context, id string) (scan.Result, error) {
	sess, err := s.repo.GetSession(ctx, id)
	if err != nil {
		return scan.Result{}, err
	}
	if sess.Status != session.StatusVirusScanning {
		return scan.Result{}, &session.InvalidTransitionError{
			SessionID: id,
			From:      sess.Status,
			Event:     session.EventStartFinalization,
			Reason:    "session is not being scanned",
		}
	}

	rc, err := s.artifacts.Open(ctx, sess.ArtifactLocation)
	if err != nil {
		return scan.Result{}, fmt.Errorf("opening artifact for scan: %w", err)
	}
	res, err := s.scanner.Scan(ctx, rc)
	rc.Close()
	if err != nil {
		return scan.Result{}, fmt.Errorf("scanning session %s: %w", id, err)
	}

	logger := s.logFor(sess)
	if res.Clean() {
		logger.Info("artifact clean", "bytes", res.Scanned, "duration", res.Duration)
		_, err = s.StartFinalization(ctx, id)
		return res, err
	}
	logger.Warn("virus detected", "signature", res.Signature, "bytes", res.Scanned)
	_, err = s.DetectVirus(ctx, id, res.Signature)
	return res, err
}

// Finalize conduz uma sessão com todos os chunks de uploading até o estado
// terminal: montagem, scan e promoção.
func (s *Service) Finalize(ctx context.Context, id string) (*session.UploadSession, error) {
	if _, err := s.StartAssembly(ctx, id); err != nil {
		return nil, err
	}
	if _, err := s.Assemble(ctx, id); err != nil {
		if interrupted(ctx, err) {
			return nil, err
		}
		return s.repo.GetSession(ctx, id)
	}
	if _, err := s.StartVirusScan(ctx, id); err != nil {
		return nil, err
	}
	res, err := s.Scan(ctx, id)
	if err != nil {
		if errors.Is(err, session.ErrInvalidTransition) || interrupted(ctx, err) {
			return nil, err
		}
		return s.Fail(ctx, id, session.ClassScan, err)
	}
	if !res.Clean() {
		return s.repo.GetSession(ctx, id)
	}
	sess, err := s.Complete(ctx, id)
	if err != nil {
		if errors.Is(err, session.ErrInvalidTransition) || interrupted(ctx, err) {
			return nil, err
		}
		return s.Fail(ctx, id, session.ClassAssembly, err)
	}
	return sess, nil
}

// interrupted indica erro causado pelo context do chamador, não pelos dados.
func interrupted(ctx context.Context, err error) bool {
	if ctx.Err() == nil {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// maybeFinalize dispara Finalize quando não falta nenhum chunk. Perder a
// corrida para outra chamada não é erro.
func (s *Service) maybeFinalize(ctx context.Context, id string) {
	// O último chunk já foi aceito; a finalização não depende mais do cliente.
	ctx = context.WithoutCancel(ctx)
	p, err := s.GetProgress(ctx, id)
	if err != nil || p.Status != session.StatusUploading || len(p.MissingChunks) > 0 {
		return
	}
	sess, err := s.Finalize(ctx, id)
	if err != nil {
		if !errors.Is(err, session.ErrInvalidTransition) {
			s.logger.Warn("auto finalize failed", "session", id, "error", err)
		}
		return
	}
	s.logger.Debug("auto finalize done", "session", id, "status", sess.Status)
}

// OpenArtifact abre o artefato final de uma sessão concluída. Sessões
// virus_detected nunca expõem conteúdo.
func (s *Service) OpenArtifact(ctx context.Context, id string) (io.ReadCloser, *session.UploadSession, error) {
	sess, err := s.repo.GetSession(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	switch sess.Status {
	case session.StatusVirusDetected:
		return nil, sess, fmt.Errorf("session %s: %w", id, ErrArtifactQuarantined)
	case session.StatusCompleted:
	default:
		return nil, sess, fmt.Errorf("session %s is %s: %w", id, sess.Status, ErrArtifactNotReady)
	}
	rc, err := s.artifacts.Open(ctx, sess.ArtifactLocation)
	if err != nil {
		return nil, sess, fmt.Errorf("opening artifact of session %s: %w", id, err)
	}
	return rc, sess, nil
}

// Purge remove uma sessão terminal com seus chunks. Objetos de chunk
// compartilhados com outra sessão (dedup) são preservados. O artefato de
// sessões concluídas não é removido.
func (s *Service) Purge(ctx context.Context, id string) error {
	sess, err := s.repo.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if !sess.Status.IsTerminal() {
		return &session.InvalidTransitionError{
			SessionID: id,
			From:      sess.Status,
			Event:     session.EventCancel,
			Reason:    "only terminal sessions can be purged",
		}
	}
	logger := s.logger.With("session", id)

	chunks, err := s.repo.ListChunks(ctx, id)
	if err != nil {
		return fmt.Errorf("listing chunks: %w", err)
	}
	var removed int
	for _, c := range chunks {
		if c.StorageKey == "" {
			continue
		}
		refs, err := s.repo.CountKeyReferences(ctx, c.StorageKey)
		if err != nil {
			return fmt.Errorf("counting references of %s: %w", c.StorageKey, err)
		}
		if refs > 1 {
			logger.Debug("chunk object shared, keeping", "chunk", c.Number, "key", c.StorageKey, "refs", refs)
			continue
		}
		if err := s.chunks.Delete(ctx, c.StorageKey); err != nil && !errors.Is(err, storage.ErrKeyNotFound) {
			return fmt.Errorf("deleting chunk %d of session %s: %w", c.Number, id, err)
		}
		removed++
	}

	if sess.Status != session.StatusCompleted && sess.ArtifactLocation != "" {
		if err := s.artifacts.Delete(ctx, sess.ArtifactLocation); err != nil {
			logger.Warn("failed to remove artifact", "location", sess.ArtifactLocation, "error", err)
		}
	}

	if err := s.repo.DeleteSession(ctx, id); err != nil {
		return fmt.Errorf("deleting session %s: %w", id, err)
	}
	s.locks.Delete(id)
	logger.Info("session purged", "status", sess.Status, "chunks", len(chunks), "objects_removed", removed)
	return nil
}
