package session

// Credential is the proof offered at login. The set is closed: only the types
// in this package implement it.
type Credential interface {
	credential()
}

// PasswordCredential logs in with the account password.
type PasswordCredential struct{ Secret string }

// OTPCredential logs in with a previously issued one-time code.
type OTPCredential struct{ Code string }

func (PasswordCredential) credential() {}
func (OTPCredential) credential()      {}

const (
	MethodPassword = "password"
	MethodOTP      = "otp"
)

// ParseCredential maps the wire discriminator onto a Credential. Field presence
// is checked later by Login so that the messages match the chosen method.
func ParseCredential(method, password, otp string) (Credential, error) {
	switch method {
	case MethodPassword:
		return PasswordCredential{Secret: password}, nil
	case MethodOTP:
		return OTPCredential{Code: otp}, nil
	default:
		return nil, ErrInvalidLoginMethod
	}
}
