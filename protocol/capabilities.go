package protocol

// Capabilities gates methods by the negotiated capabilities of a
// connection. Each assertion returns nil when the method is permitted.
//
// Failures of the two outbound assertions are wrapped with
// ErrCapabilityNotSupported and returned to the caller. A failure of
// AssertRequestHandlerCapability answers the peer with method-not-found.
type Capabilities interface {
	// AssertCapabilityForMethod checks an outbound request.
	AssertCapabilityForMethod(method string) error
	// AssertNotificationCapability checks an outbound notification.
	AssertNotificationCapability(method string) error
	// AssertRequestHandlerCapability checks an inbound request before its
	// handler runs.
	AssertRequestHandlerCapability(method string) error
}

// CapabilitiesFunc adapts three functions to Capabilities. A nil function
// permits everything.
type CapabilitiesFunc struct {
	Request      func(method string) error
	Notification func(method string) error
	Handler      func(method string) error
}

func (c CapabilitiesFunc) AssertCapabilityForMethod(method string) error {
	if c.Request == nil {
		return nil
	}
	return c.Request(method)
}

func (c CapabilitiesFunc) AssertNotificationCapability(method string) error {
	if c.Notification == nil {
		return nil
	}
	return c.Notification(method)
}

func (c CapabilitiesFunc) AssertRequestHandlerCapability(method string) error {
	if c.Handler == nil {
		return nil
	}
	return c.Handler(method)
}
