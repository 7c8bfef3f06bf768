// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Talk License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

// Códigos de erro de máquina carregados em ErrorMeta.Code. O texto em
// Message é livre; o código é estável para o client decidir.
const (
	CodeInvalidJSON      = "INVALID_JSON"
	CodeInvalidUserID    = "INVALID_USER_ID"
	CodeInvalidNickname  = "INVALID_NICKNAME"
	CodeInvalidPassword  = "INVALID_PASSWORD"
	CodeAlreadyExists    = "ALREADY_EXISTS"
	CodeRegisterFailed   = "REGISTER_FAILED"
	CodeLoginFailed      = "LOGIN_FAILED"
	CodeNotLoggedIn      = "NOT_LOGGED_IN"
	CodeCreateFailed     = "CREATE_FAILED"
	CodeJoinFailed       = "JOIN_FAILED"
	CodeLeaveFailed      = "LEAVE_FAILED"
	CodeRenameFailed     = "RENAME_FAILED"
	CodeKickFailed       = "KICK_FAILED"
	CodeDissolveFailed   = "DISSOLVE_FAILED"
	CodeAdminFailed      = "ADMIN_FAILED"
	CodeUnknownAction    = "UNKNOWN_ACTION"
	CodeInvalidName      = "INVALID_NAME"
	CodeInvalidGroupID   = "INVALID_GROUP_ID"
	CodeInvalidTarget    = "INVALID_TARGET"
	CodeInvalidRequest   = "INVALID_REQUEST"
	CodeInvalidFileID    = "INVALID_FILE_ID"
	CodeInvalidSHA256    = "INVALID_SHA256"
	CodeInvalidSize      = "INVALID_SIZE"
	CodeInvalidConvType  = "INVALID_CONVERSATION_TYPE"
	CodeUserLookupFailed = "USER_LOOKUP_FAILED"
	CodeTargetNotFound   = "TARGET_NOT_FOUND"
	CodeNotInGroup       = "NOT_IN_GROUP"
	CodeMembersFailed    = "GROUP_MEMBERS_FAILED"
	CodeNoRecipients     = "NO_RECIPIENTS"
	CodeStoreFailed      = "STORE_FAILED"
	CodeHistoryFailed    = "HISTORY_FAILED"
	CodeResumeFailed     = "RESUME_FAILED"
	CodeOfferFailed      = "OFFER_FAILED"
	CodeEmptyChunk       = "EMPTY_CHUNK"
	CodeChunkTooLarge    = "CHUNK_TOO_LARGE"
	CodeUploadFailed     = "UPLOAD_FAILED"
	CodeFinalizeFailed   = "FINALIZE_FAILED"
	CodeDownloadFailed   = "DOWNLOAD_FAILED"
)
