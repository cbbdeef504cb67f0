package temporal

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/testsuite"

	"github.com/nimbushq/aigov/internal/jobs"
)

// actsRef is a nil *Activities pointer used to create bound method references
// for Temporal mock registration. The SDK only uses reflection to extract the
// method name; no actual method body runs.
var actsRef *Activities

func TestMonthlyResetWorkflowSuccess(t *testing.T) {
	suite := &testsuite.WorkflowTestSuite{}
	env := suite.NewTestWorkflowEnvironment()

	env.OnActivity(actsRef.RunMonthlyReset, mock.Anything).
		Return(JobResult{Job: jobs.JobMonthlyReset}, nil)

	env.ExecuteWorkflow(MonthlyResetWorkflow)

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var out JobResult
	require.NoError(t, env.GetWorkflowResult(&out))
	require.Equal(t, jobs.JobMonthlyReset, out.Job)

	env.AssertExpectations(t)
}

func TestDailyRollupWorkflowActivityFails(t *testing.T) {
	suite := &testsuite.WorkflowTestSuite{}
	env := suite.NewTestWorkflowEnvironment()

	env.OnActivity(actsRef.RunDailyRollup, mock.Anything).
		Return(JobResult{}, fmt.Errorf("store unavailable"))

	env.ExecuteWorkflow(DailyRollupWorkflow)

	require.True(t, env.IsWorkflowCompleted())
	err := env.GetWorkflowError()
	require.Error(t, err)
	require.Contains(t, err.Error(), "store unavailable")

	env.AssertExpectations(t)
}

func TestWeeklyReportWorkflowCarriesDetail(t *testing.T) {
	suite := &testsuite.WorkflowTestSuite{}
	env := suite.NewTestWorkflowEnvironment()

	env.OnActivity(actsRef.RunWeeklyReport, mock.Anything).
		Return(JobResult{Job: jobs.JobWeeklyReport, Detail: "degraded=2 blocked=1 repeats=1"}, nil)

	env.ExecuteWorkflow(WeeklyReportWorkflow)

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var out JobResult
	require.NoError(t, env.GetWorkflowResult(&out))
	require.Equal(t, "degraded=2 blocked=1 repeats=1", out.Detail)

	env.AssertExpectations(t)
}

func TestApproachingSweepWorkflowSuccess(t *testing.T) {
	suite := &testsuite.WorkflowTestSuite{}
	env := suite.NewTestWorkflowEnvironment()

	env.OnActivity(actsRef.RunApproachingSweep, mock.Anything).
		Return(JobResult{Job: jobs.JobApproachingScan}, nil)

	env.ExecuteWorkflow(ApproachingSweepWorkflow)

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	env.AssertExpectations(t)
}
