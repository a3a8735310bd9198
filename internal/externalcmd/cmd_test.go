package externalcmd

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCmdPipes(t *testing.T) {
	var p Pool
	p.Initialize()
	defer p.Close()

	e := &Cmd{
		Pool:       &p,
		CmdStr:     "cat",
		PipeStdin:  true,
		PipeStdout: true,
	}
	err := e.Start()
	require.NoError(t, err)

	_, err = e.Stdin().Write([]byte("hello"))
	require.NoError(t, err)

	buf := make([]byte, 5)
	_, err = io.ReadFull(e.Stdout(), buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf))

	killed := e.Close()
	require.False(t, killed)
}

func TestCmdEnvSubstitution(t *testing.T) {
	var p Pool
	p.Initialize()
	defer p.Close()

	e := &Cmd{
		Pool:       &p,
		CmdStr:     "echo $GREETING",
		Env:        Environment{"GREETING": "hi there"},
		PipeStdout: true,
	}
	err := e.Start()
	require.NoError(t, err)
	defer e.Close()

	byts, err := io.ReadAll(e.Stdout())
	require.NoError(t, err)
	require.Equal(t, "hi there\n", string(byts))
}

func TestCmdOnExit(t *testing.T) {
	var p Pool
	p.Initialize()
	defer p.Close()

	exited := make(chan error, 1)

	e := &Cmd{
		Pool:   &p,
		CmdStr: "sh -c \"exit 3\"",
		OnExit: func(err error) {
			exited <- err
		},
	}
	err := e.Start()
	require.NoError(t, err)

	select {
	case err := <-exited:
		require.Error(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("OnExit was not called")
	}
}

func TestCmdInvalid(t *testing.T) {
	var p Pool
	p.Initialize()
	defer p.Close()

	e := &Cmd{Pool: &p, CmdStr: ""}
	require.Error(t, e.Start())

	e = &Cmd{Pool: &p, CmdStr: "'unbalanced"}
	require.Error(t, e.Start())
}
