package workspace

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(), "GIT_AUTHOR_NAME=t", "GIT_AUTHOR_EMAIL=t@t.com", "GIT_COMMITTER_NAME=t", "GIT_COMMITTER_EMAIL=t@t.com")
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}
	run("init", "-b", "main")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644))
	run("add", "-A")
	run("commit", "-m", "initial")
	return dir
}

func TestCreateTaskWorktreeCreatesBranchAndDirectory(t *testing.T) {
	repo := initRepo(t)
	g := NewGitBranchManager()
	t.Cleanup(func() { _ = os.RemoveAll(WorktreeBase()) })

	wt, err := g.CreateTaskWorktree(context.Background(), repo, "task-1")
	require.NoError(t, err)
	require.DirExists(t, wt)

	out, err := g.run(context.Background(), wt, "rev-parse", "--abbrev-ref", "HEAD")
	require.NoError(t, err)
	require.Contains(t, out, "opensprint/task-1")
}

func TestCreateTaskWorktreeIsIdempotent(t *testing.T) {
	repo := initRepo(t)
	g := NewGitBranchManager()
	t.Cleanup(func() { _ = os.RemoveAll(WorktreeBase()) })
	ctx := context.Background()

	wt1, err := g.CreateTaskWorktree(ctx, repo, "task-2")
	require.NoError(t, err)
	wt2, err := g.CreateTaskWorktree(ctx, repo, "task-2")
	require.NoError(t, err)
	require.Equal(t, wt1, wt2)
}

func TestCommitWipCommitsOnlyWhenDirty(t *testing.T) {
	repo := initRepo(t)
	g := NewGitBranchManager()
	ctx := context.Background()

	committed, err := g.CommitWip(ctx, repo, "task-3")
	require.NoError(t, err)
	require.False(t, committed, "clean tree should not produce a commit")

	require.NoError(t, os.WriteFile(filepath.Join(repo, "new.txt"), []byte("x"), 0o644))
	committed, err = g.CommitWip(ctx, repo, "task-3")
	require.NoError(t, err)
	require.True(t, committed)
}

func TestMergeToMainAndVerifyMerge(t *testing.T) {
	repo := initRepo(t)
	g := NewGitBranchManager()
	ctx := context.Background()
	branch := BranchName("task-4")

	require.NoError(t, g.CreateOrCheckoutBranch(ctx, repo, branch))
	require.NoError(t, os.WriteFile(filepath.Join(repo, "feature.txt"), []byte("x"), 0o644))
	committed, err := g.CommitWip(ctx, repo, "task-4")
	require.NoError(t, err)
	require.True(t, committed)

	files, err := g.GetChangedFiles(ctx, repo, branch)
	require.NoError(t, err)
	require.Contains(t, files, "feature.txt")

	require.NoError(t, g.EnsureOnMain(ctx, repo))
	require.NoError(t, g.MergeToMain(ctx, repo, branch))

	merged, err := g.VerifyMerge(ctx, repo, branch)
	require.NoError(t, err)
	require.True(t, merged)
}

func TestGetCommitCountAhead(t *testing.T) {
	repo := initRepo(t)
	g := NewGitBranchManager()
	ctx := context.Background()
	branch := BranchName("task-5")

	require.NoError(t, g.CreateOrCheckoutBranch(ctx, repo, branch))
	for i := 0; i < 3; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(repo, "f.txt"), []byte{byte(i)}, 0o644))
		_, err := g.CommitWip(ctx, repo, "task-5")
		require.NoError(t, err)
	}

	n, err := g.GetCommitCountAhead(ctx, repo, branch)
	require.NoError(t, err)
	require.Equal(t, 3, n)
}

func TestRemoveTaskWorktreeIsSafeWhenAlreadyGone(t *testing.T) {
	repo := initRepo(t)
	g := NewGitBranchManager()
	ctx := context.Background()
	require.NoError(t, g.RemoveTaskWorktree(ctx, repo, "never-created"))
}

func TestWaitForGitReadyReturnsOnCleanRepo(t *testing.T) {
	repo := initRepo(t)
	g := NewGitBranchManager()
	require.NoError(t, g.WaitForGitReady(context.Background(), repo))
}
