package bdd

import (
	"github.com/chirino/threadsync/internal/testutil/cucumber"
	"github.com/cucumber/godog"
	"github.com/google/uuid"
)

const deviceHeader = "X-Device-ID"

func init() {
	cucumber.StepModules = append(cucumber.StepModules, func(ctx *godog.ScenarioContext, s *cucumber.TestScenario) {
		st := &syncSteps{s: s}
		ctx.Step(`^I am authenticated as user "([^"]*)"$`, st.iAmAuthenticatedAsUser)
		ctx.Step(`^I am not authenticated$`, st.iAmNotAuthenticated)
		ctx.Step(`^I am using a new device$`, st.iAmUsingANewDevice)
		ctx.Step(`^I generate a uuid as \${([^}]*)}$`, st.iGenerateAUUIDAs)
	})
}

type syncSteps struct {
	s *cucumber.TestScenario
}

// The bearer token is the user id in testing mode.
func (st *syncSteps) iAmAuthenticatedAsUser(userID string) error {
	st.s.SetUser(userID, userID)
	return st.carryDevice()
}

func (st *syncSteps) iAmNotAuthenticated() error {
	st.s.SetUser("", "")
	return st.carryDevice()
}

// iAmUsingANewDevice stores the device id as ${deviceId} and sends it on every request,
// including after the user signs in.
func (st *syncSteps) iAmUsingANewDevice() error {
	st.s.Variables["deviceId"] = uuid.NewString()
	return st.carryDevice()
}

func (st *syncSteps) carryDevice() error {
	if id, ok := st.s.Variables["deviceId"].(string); ok {
		st.s.Session().Sticky.Set(deviceHeader, id)
	}
	return nil
}

func (st *syncSteps) iGenerateAUUIDAs(name string) error {
	st.s.Variables[name] = uuid.NewString()
	return nil
}
