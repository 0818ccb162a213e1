package protocol

// FormatFileRequest is the body of a FormatFile message.
type FormatFileRequest struct {
	FilePath       string
	RangeStart     uint32
	RangeEnd       uint32
	OverrideConfig []byte
	FileText       string
}

// NewFormatFileRequest builds a request covering the whole text with no
// configuration override.
func NewFormatFileRequest(path, text string) FormatFileRequest {
	return FormatFileRequest{
		FilePath: path,
		RangeEnd: uint32(len(text)),
		FileText: text,
	}
}

// Frame encodes the request as message id.
func (req FormatFileRequest) Frame(id uint32) *Message {
	return NewMessage(id, KindFormatFile).
		AddString(req.FilePath).
		AddUint32(req.RangeStart).
		AddUint32(req.RangeEnd).
		AddBytes(req.OverrideConfig).
		AddString(req.FileText)
}

// ParseFormatFileRequest decodes a FormatFile body.
func ParseFormatFileRequest(msg *Message) (FormatFileRequest, error) {
	var req FormatFileRequest
	r := msg.Reader()

	var err error
	if req.FilePath, err = r.String(); err != nil {
		return req, err
	}
	if req.RangeStart, err = r.Uint32(); err != nil {
		return req, err
	}
	if req.RangeEnd, err = r.Uint32(); err != nil {
		return req, err
	}
	if req.OverrideConfig, err = r.Bytes(); err != nil {
		return req, err
	}
	if req.FileText, err = r.String(); err != nil {
		return req, err
	}
	return req, nil
}

// FormatFileResponse is the body of a FormatFileResponse message. Text is
// only present on the wire when Changed is set.
type FormatFileResponse struct {
	RespondingID uint32
	Changed      bool
	Text         string
}

// Frame encodes the response as message id.
func (resp FormatFileResponse) Frame(id uint32) *Message {
	msg := NewMessage(id, KindFormatFileResponse).
		AddUint32(resp.RespondingID).
		AddBool(resp.Changed)
	if resp.Changed {
		msg.AddString(resp.Text)
	}
	return msg
}

// ParseFormatFileResponse decodes a FormatFileResponse body.
func ParseFormatFileResponse(msg *Message) (FormatFileResponse, error) {
	var resp FormatFileResponse
	r := msg.Reader()

	var err error
	if resp.RespondingID, err = r.Uint32(); err != nil {
		return resp, err
	}
	if resp.Changed, err = r.Bool(); err != nil {
		return resp, err
	}
	if resp.Changed {
		if resp.Text, err = r.String(); err != nil {
			return resp, err
		}
	}
	return resp, nil
}

// CanFormatResponse is the body of a CanFormatResponse message.
type CanFormatResponse struct {
	RespondingID uint32
	CanFormat    bool
}

// Frame encodes the response as message id.
func (resp CanFormatResponse) Frame(id uint32) *Message {
	return NewMessage(id, KindCanFormatResponse).
		AddUint32(resp.RespondingID).
		AddBool(resp.CanFormat)
}

// ParseCanFormatResponse decodes a CanFormatResponse body.
func ParseCanFormatResponse(msg *Message) (CanFormatResponse, error) {
	var resp CanFormatResponse
	r := msg.Reader()

	var err error
	if resp.RespondingID, err = r.Uint32(); err != nil {
		return resp, err
	}
	if resp.CanFormat, err = r.Bool(); err != nil {
		return resp, err
	}
	return resp, nil
}

// ErrorResponse is the body of an ErrorResponse message.
type ErrorResponse struct {
	RespondingID uint32
	Message      string
}

// Frame encodes the response as message id.
func (resp ErrorResponse) Frame(id uint32) *Message {
	return NewMessage(id, KindErrorResponse).
		AddUint32(resp.RespondingID).
		AddString(resp.Message)
}

// ParseErrorResponse decodes an ErrorResponse body.
func ParseErrorResponse(msg *Message) (ErrorResponse, error) {
	var resp ErrorResponse
	r := msg.Reader()

	var err error
	if resp.RespondingID, err = r.Uint32(); err != nil {
		return resp, err
	}
	if resp.Message, err = r.String(); err != nil {
		return resp, err
	}
	return resp, nil
}

// NewSuccessResponse builds a SuccessResponse answering respondingID.
func NewSuccessResponse(id, respondingID uint32) *Message {
	return NewMessage(id, KindSuccessResponse).AddUint32(respondingID)
}

// NewCanFormat builds a CanFormat request for path.
func NewCanFormat(id uint32, path string) *Message {
	return NewMessage(id, KindCanFormat).AddString(path)
}

// NewCancelFormat builds a CancelFormat for the FormatFile sent as
// originalID.
func NewCancelFormat(id, originalID uint32) *Message {
	return NewMessage(id, KindCancelFormat).AddUint32(originalID)
}

// RespondingID reads the leading responding id shared by every response
// body.
func RespondingID(msg *Message) (uint32, error) {
	return msg.Reader().Uint32()
}

// CancelledID reads the original message id from a CancelFormat body.
func CancelledID(msg *Message) (uint32, error) {
	return msg.Reader().Uint32()
}
