// Package pipeerr defines the single error envelope produced at every
// pipeline failure point: a stage tag, a stable machine-readable code, a
// user-facing message, and an optional structured detail payload.
package pipeerr

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Stage tags identify where in the pipeline an error was raised.
const (
	StageDownload  = "download_source"
	StageExtract   = "extract_audio"
	StageASR       = "asr"
	StagePrecheck  = "llm_precheck"
	StageTranslate = "llm_translate"
	StageAlign     = "align_and_build"
)

// Code is a stable machine-readable failure identifier.
type Code string

// Failure taxonomy. The HTTP shell maps these to status codes; the core only
// distinguishes terminal from user-retryable by documentation.
const (
	// extract_audio
	CodeFFmpegMissing       Code = "ffmpeg_missing"
	CodeFFmpegExtractFailed Code = "ffmpeg_extract_failed"

	// download_source
	CodeInvalidSourceURL      Code = "invalid_source_url"
	CodeYtDlpNotAvailable     Code = "yt_dlp_not_available"
	CodeYtDlpLaunchFailed     Code = "yt_dlp_launch_failed"
	CodeYtDlpCommandFailed    Code = "yt_dlp_command_failed"
	CodeDownloadOutputMissing Code = "download_output_missing"
	CodeDownloadTimeout       Code = "download_timeout"
	CodeDownloadFailed        Code = "download_failed"

	// asr
	CodeCloudASRFailed         Code = "cloud_asr_failed"
	CodeLocalRuntimeMissing    Code = "local_runtime_missing"
	CodeLocalASRFailed         Code = "local_asr_failed"
	CodeLocalWhisperxMissing   Code = "local_whisperx_missing"
	CodeLocalWhisperxFailed    Code = "local_whisperx_failed"
	CodeLocalWhisperxEmptySegs Code = "local_whisperx_empty_segments"
	CodeASREmptySegments       Code = "asr_empty_segments"
	CodeASRProviderChainEmpty  Code = "asr_provider_chain_empty"
	CodeASRProviderUnknown     Code = "asr_provider_unknown"
	CodeASRAllProvidersFailed  Code = "asr_all_providers_failed"
	CodeWordTimestampsMissing  Code = "word_timestamps_missing"
	CodeInvalidWhisperModel    Code = "invalid_whisper_model"
	CodeInvalidRuntime         Code = "invalid_runtime"

	// llm
	CodeMissingLLMAPIKey Code = "missing_llm_api_key"
	CodeLLMAccessDenied  Code = "llm_access_denied"
	CodeLLMRequestFailed Code = "llm_request_failed"
	CodeLLMInvalidJSON   Code = "llm_invalid_json"

	// align_and_build
	CodeTimestampAlignmentFailed Code = "timestamp_alignment_failed"
	CodeWordSegmentsEmpty        Code = "word_segments_empty"

	// cross-cutting
	CodeCancelRequested         Code = "cancel_requested"
	CodePipelineUnexpectedError Code = "pipeline_unexpected_error"
	CodeServiceRestarted        Code = "service_restarted"
)

// Error is the typed failure envelope. Detail is free-form structured context
// serialised into job records; it must be JSON-marshalable.
type Error struct {
	Stage   string         `json:"stage"`
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Detail  map[string]any `json:"detail,omitempty"`

	cause error
}

// New builds an envelope with the given stage, code, and message.
func New(stage string, code Code, message string) *Error {
	return &Error{Stage: stage, Code: code, Message: message}
}

// Wrap builds an envelope around an underlying error, using its text as the
// message when message is empty.
func Wrap(stage string, code Code, message string, cause error) *Error {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	return &Error{Stage: stage, Code: code, Message: message, cause: cause}
}

// With attaches a detail key, returning the same envelope for chaining.
func (e *Error) With(key string, value any) *Error {
	if e.Detail == nil {
		e.Detail = map[string]any{}
	}
	e.Detail[key] = value
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("%s: %s: %s", e.Stage, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is/As chains.
func (e *Error) Unwrap() error { return e.cause }

// DetailJSON renders the detail map as compact JSON, or "" when empty.
func (e *Error) DetailJSON() string {
	if len(e.Detail) == 0 {
		return ""
	}
	b, err := json.Marshal(e.Detail)
	if err != nil {
		return ""
	}
	return string(b)
}

// From extracts the envelope from err, or wraps err as an unexpected pipeline
// error attributed to stage when it carries no envelope.
func From(err error, stage string) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		if pe.Stage == "" {
			pe.Stage = stage
		}
		return pe
	}
	return Wrap(stage, CodePipelineUnexpectedError, "", err)
}

// CodeOf returns the envelope code carried by err, or "" when err is not an
// envelope.
func CodeOf(err error) Code {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// Is allows comparing against a bare envelope by code, so callers can write
// errors.Is(err, &pipeerr.Error{Code: pipeerr.CodeCancelRequested}).
func (e *Error) Is(target error) bool {
	var te *Error
	if !errors.As(target, &te) {
		return false
	}
	return te.Code == e.Code
}
