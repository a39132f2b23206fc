package registry

import (
	"context"
	"fmt"
	"io"
	"net/http"

	krbclient "github.com/jcmturner/gokrb5/v8/client"
	krbconfig "github.com/jcmturner/gokrb5/v8/config"
	"github.com/jcmturner/gokrb5/v8/keytab"
	"github.com/jcmturner/gokrb5/v8/spnego"
)

// Authenticator obtains a session credential for the directory server.
// Implementations return the value of the session cookie to attach to
// subsequent JSON-RPC calls.
type Authenticator interface {
	Login(ctx context.Context) (string, error)
}

// sessionCookieName is the cookie the server issues on successful login.
const sessionCookieName = "ipa_session"

// KerberosAuthenticator logs in with a keytab over SPNEGO and exchanges the
// negotiated ticket for a session cookie.
type KerberosAuthenticator struct {
	serverURL  string
	principal  string
	realm      string
	keytabPath string
	krb5Conf   string
	httpClient *http.Client
}

// NewKerberosAuthenticator creates an authenticator for the given service
// principal. The principal may carry an explicit "@REALM" suffix; otherwise
// realm is used.
func NewKerberosAuthenticator(serverURL, principal, realm, keytabPath, krb5Conf string, httpClient *http.Client) *KerberosAuthenticator {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	for i := 0; i < len(principal); i++ {
		if principal[i] == '@' {
			realm = principal[i+1:]
			principal = principal[:i]
			break
		}
	}
	return &KerberosAuthenticator{
		serverURL:  serverURL,
		principal:  principal,
		realm:      realm,
		keytabPath: keytabPath,
		krb5Conf:   krb5Conf,
		httpClient: httpClient,
	}
}

// Login performs the SPNEGO handshake against the kerberos login endpoint
// and returns the issued session cookie.
func (a *KerberosAuthenticator) Login(ctx context.Context) (string, error) {
	kt, err := keytab.Load(a.keytabPath)
	if err != nil {
		return "", fmt.Errorf("failed to load keytab %s: %w", a.keytabPath, err)
	}

	krbConf, err := krbconfig.Load(a.krb5Conf)
	if err != nil {
		return "", fmt.Errorf("failed to load kerberos config %s: %w", a.krb5Conf, err)
	}

	kcl := krbclient.NewWithKeytab(a.principal, a.realm, kt, krbConf, krbclient.DisablePAFXFAST(true))
	if err := kcl.Login(); err != nil {
		return "", fmt.Errorf("kerberos login failed for %s@%s: %w", a.principal, a.realm, err)
	}
	defer kcl.Destroy()

	req, err := http.NewRequestWithContext(ctx, "POST", a.serverURL+"/ipa/session/login_kerberos", nil)
	if err != nil {
		return "", fmt.Errorf("failed to create login request: %w", err)
	}
	req.Header.Set("Referer", a.serverURL+"/ipa")

	spnegoClient := spnego.NewClient(kcl, a.httpClient, "")
	resp, err := spnegoClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("session login request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("session login returned status %d", resp.StatusCode)
	}

	for _, cookie := range resp.Cookies() {
		if cookie.Name == sessionCookieName {
			return cookie.Value, nil
		}
	}
	return "", fmt.Errorf("session login response carried no %s cookie", sessionCookieName)
}

// StaticAuthenticator returns a fixed session credential. Used in tests and
// against servers that accept a pre-shared session.
type StaticAuthenticator struct {
	Session string
}

func (a *StaticAuthenticator) Login(ctx context.Context) (string, error) {
	return a.Session, nil
}
