/* Copyright 2018 New Vector Ltd
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package appservice

import (
	"fmt"
	"io"
	"os"
	"regexp"

	yaml "gopkg.in/yaml.v2"
)

// A Namespace is a regex-based claim over a class of Matrix identifiers.
// Patterns are matched against the start of an identifier, mirroring the
// registration format used by homeservers.
type Namespace struct {
	// Exclusive namespaces reserve the matched identifiers for this service
	// alone. They do not change interest matching, only ownership.
	Exclusive bool   `yaml:"exclusive" json:"exclusive"`
	Regex     string `yaml:"regex" json:"regex"`

	regex *regexp.Regexp
}

func (n *Namespace) compile() error {
	regex, err := regexp.Compile("^(?:" + n.Regex + ")")
	if err != nil {
		return err
	}
	n.regex = regex
	return nil
}

// Match reports whether the identifier falls inside this namespace.
func (n *Namespace) Match(id string) bool {
	return n.regex != nil && n.regex.MatchString(id)
}

// Namespaces groups the three identifier classes a registration may claim.
type Namespaces struct {
	Users   []Namespace `yaml:"users" json:"users"`
	Aliases []Namespace `yaml:"aliases" json:"aliases"`
	Rooms   []Namespace `yaml:"rooms" json:"rooms"`
}

// An ApplicationService is one parsed registration document together with the
// identity derived from it. Instances are immutable once built and safe to
// share across goroutines.
type ApplicationService struct {
	// ID distinguishes this registration from all others on the homeserver.
	ID string `yaml:"id"`
	// URL is the base URL transactions and queries are pushed to. An empty
	// URL registers the namespaces but disables all outbound traffic.
	URL string `yaml:"url"`
	// ASToken is the token the service uses when calling the homeserver.
	ASToken string `yaml:"as_token"`
	// HSToken is the token the homeserver presents when calling the service.
	HSToken string `yaml:"hs_token"`
	// SenderLocalpart is the localpart of the virtual user the service acts as.
	SenderLocalpart string `yaml:"sender_localpart"`
	// RateLimited is false if the homeserver exempts this service's traffic
	// from rate limiting. Omitted in the registration means true.
	RateLimited bool `yaml:"rate_limited"`
	// Protocols lists the third-party protocol IDs the service bridges.
	Protocols []string `yaml:"protocols"`
	// SupportsEphemeral gates delivery of EDUs to this service per MSC2409.
	SupportsEphemeral bool       `yaml:"de.sorunome.msc2409.push_ephemeral"`
	Namespaces        Namespaces `yaml:"namespaces"`

	// Sender is the fully-qualified user ID of the service's virtual user,
	// computed from SenderLocalpart and the homeserver name.
	Sender string `yaml:"-"`
}

// validLocalpartRegex matches user ID localparts as per the matrix
// specification: https://spec.matrix.org/v1.4/appendices/#user-identifiers
var validLocalpartRegex = regexp.MustCompile(`^[0-9a-z_\-=./]+$`)

// registrationYAML mirrors the registration file keys. rate_limited is a
// pointer because its absence means true, not false.
type registrationYAML struct {
	ID                string     `yaml:"id"`
	URL               string     `yaml:"url"`
	ASToken           string     `yaml:"as_token"`
	HSToken           string     `yaml:"hs_token"`
	SenderLocalpart   string     `yaml:"sender_localpart"`
	RateLimited       *bool      `yaml:"rate_limited"`
	Protocols         []string   `yaml:"protocols"`
	SupportsEphemeral bool       `yaml:"de.sorunome.msc2409.push_ephemeral"`
	Namespaces        Namespaces `yaml:"namespaces"`
}

// LoadRegistration parses a registration document in the standard appservice
// registration format. serverName qualifies the sender_localpart into a full
// user ID.
func LoadRegistration(r io.Reader, serverName string) (*ApplicationService, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var reg registrationYAML
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return nil, RegistrationError{Err: err}
	}
	as := &ApplicationService{
		ID:                reg.ID,
		URL:               reg.URL,
		ASToken:           reg.ASToken,
		HSToken:           reg.HSToken,
		SenderLocalpart:   reg.SenderLocalpart,
		RateLimited:       reg.RateLimited == nil || *reg.RateLimited,
		Protocols:         reg.Protocols,
		SupportsEphemeral: reg.SupportsEphemeral,
		Namespaces:        reg.Namespaces,
	}
	if err := as.init(serverName); err != nil {
		return nil, err
	}
	return as, nil
}

// LoadRegistrationFile is LoadRegistration reading from a file path, matching
// the app_service_config_files homeserver option.
func LoadRegistrationFile(path string, serverName string) (*ApplicationService, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close() // nolint: errcheck
	return LoadRegistration(f, serverName)
}

func (as *ApplicationService) init(serverName string) error {
	fail := func(err error) error {
		return RegistrationError{ID: as.ID, Err: err}
	}
	if as.ID == "" {
		return fail(fmt.Errorf("missing id"))
	}
	if as.ASToken == "" {
		return fail(fmt.Errorf("missing as_token"))
	}
	if as.HSToken == "" {
		return fail(fmt.Errorf("missing hs_token"))
	}
	if as.SenderLocalpart == "" {
		return fail(fmt.Errorf("missing sender_localpart"))
	}
	if !validLocalpartRegex.MatchString(as.SenderLocalpart) {
		return fail(fmt.Errorf("sender_localpart %q contains invalid characters", as.SenderLocalpart))
	}
	as.Sender = "@" + as.SenderLocalpart + ":" + serverName
	for _, namespaces := range [][]Namespace{
		as.Namespaces.Users, as.Namespaces.Aliases, as.Namespaces.Rooms,
	} {
		for i := range namespaces {
			if err := namespaces[i].compile(); err != nil {
				return fail(fmt.Errorf("namespace %q: %w", namespaces[i].Regex, err))
			}
		}
	}
	return nil
}

// IsExclusiveUser reports whether the user ID is reserved for this service,
// either through an exclusive user namespace or by being the service's own
// sender.
func (as *ApplicationService) IsExclusiveUser(userID string) bool {
	if userID == as.Sender {
		return true
	}
	return matchesExclusively(as.Namespaces.Users, userID)
}

// IsExclusiveAlias reports whether the room alias is reserved for this service.
func (as *ApplicationService) IsExclusiveAlias(alias string) bool {
	return matchesExclusively(as.Namespaces.Aliases, alias)
}

// IsExclusiveRoom reports whether the room ID is reserved for this service.
func (as *ApplicationService) IsExclusiveRoom(roomID string) bool {
	return matchesExclusively(as.Namespaces.Rooms, roomID)
}

func matchesAny(namespaces []Namespace, id string) bool {
	for i := range namespaces {
		if namespaces[i].Match(id) {
			return true
		}
	}
	return false
}

func matchesExclusively(namespaces []Namespace, id string) bool {
	for i := range namespaces {
		if namespaces[i].Exclusive && namespaces[i].Match(id) {
			return true
		}
	}
	return false
}
