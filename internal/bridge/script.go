package bridge

// Script is the control process copied into every sandbox at provisioning
// time. It launches the Assistant in protocol-stream mode and proxies
// submissions and events through the message files in ControlDir.
//
// Environment knobs, all set by the orchestrator:
//
//	CODERELAY_ASSISTANT_CMD      command line to launch the Assistant
//	CODERELAY_CONFIG_DIR         mounted config directory (auth.json, config.toml)
//	CODERELAY_INCLUDE_REASONING  "1" keeps reasoning text in the composed reply
const Script = `#!/usr/bin/env python3
"""Sandbox-side control process.

Launches the Assistant in protocol-stream mode and proxies submissions and
events through message files. One submission in flight at a time.
"""

import json
import os
import shlex
import shutil
import subprocess
import sys
import threading
import time
import uuid

CONTROL_DIR = "/var/coderelay"
INCOMING = os.path.join(CONTROL_DIR, "incoming.msg")
RESPONSE = os.path.join(CONTROL_DIR, "response.msg")
STATUS = os.path.join(CONTROL_DIR, "status")
EVENT_LOG = os.path.join(CONTROL_DIR, "events.log")

PROCESSING_SENTINEL = "PROCESSING"

ASSISTANT_CMD = os.environ.get("CODERELAY_ASSISTANT_CMD", "codex proto")
CONFIG_DIR = os.environ.get("CODERELAY_CONFIG_DIR", "/config")
INCLUDE_REASONING = os.environ.get("CODERELAY_INCLUDE_REASONING", "") == "1"

ASSISTANT_HOME = os.path.join(os.path.expanduser("~"), ".codex")


def set_status(value):
    tmp = STATUS + ".tmp"
    with open(tmp, "w") as f:
        f.write(value)
    os.replace(tmp, STATUS)


def log_event(obj):
    try:
        with open(EVENT_LOG, "a") as f:
            f.write(json.dumps(obj) + "\n")
    except OSError:
        pass


def write_response(text):
    tmp = RESPONSE + ".tmp"
    with open(tmp, "w") as f:
        f.write(text)
    os.replace(tmp, RESPONSE)


def materialize_credentials():
    """Place auth material where the Assistant expects it.

    Search order: mounted auth file, ambient environment, nothing.
    """
    os.makedirs(ASSISTANT_HOME, exist_ok=True)
    auth_dst = os.path.join(ASSISTANT_HOME, "auth.json")

    mounted = os.path.join(CONFIG_DIR, "auth.json")
    if os.path.isfile(mounted):
        shutil.copyfile(mounted, auth_dst)
        os.chmod(auth_dst, 0o600)
        try:
            with open(auth_dst) as f:
                record = json.load(f)
            key = record.get("OPENAI_API_KEY")
            if key and not os.environ.get("OPENAI_API_KEY"):
                os.environ["OPENAI_API_KEY"] = key
        except (OSError, ValueError):
            pass
        return

    key = os.environ.get("OPENAI_API_KEY")
    if key:
        with open(auth_dst, "w") as f:
            json.dump({"OPENAI_API_KEY": key, "tokens": None, "last_refresh": None}, f)
        os.chmod(auth_dst, 0o600)


def materialize_config():
    """Copy the mounted Assistant config regardless of credential source."""
    os.makedirs(ASSISTANT_HOME, exist_ok=True)
    cfg_src = os.path.join(CONFIG_DIR, "config.toml")
    if os.path.isfile(cfg_src):
        shutil.copyfile(cfg_src, os.path.join(ASSISTANT_HOME, "config.toml"))


def setup_control_dir():
    os.makedirs(CONTROL_DIR, exist_ok=True)
    if os.path.exists(INCOMING):
        os.remove(INCOMING)
    os.mkfifo(INCOMING, 0o600)
    write_response("")
    open(EVENT_LOG, "a").close()


class Turn:
    """Aggregation state for the in-flight submission."""

    def __init__(self):
        self.buffer = []
        self.reasoning = []
        self.notes = []
        self.active = False

    def reset(self):
        self.buffer = []
        self.reasoning = []
        self.notes = []
        self.active = True

    def compose(self, final_message):
        parts = []
        if INCLUDE_REASONING and self.reasoning:
            parts.append("".join(self.reasoning))
        if self.buffer and not final_message:
            parts.append("".join(self.buffer))
        if final_message:
            parts.append(final_message)
        parts.extend(self.notes)
        text = "\n".join(p for p in parts if p)
        if not text.endswith("\n"):
            text += "\n"
        return text


def event_loop(proc, turn):
    """Read the Assistant's event stream and maintain the message files."""
    for raw in proc.stdout:
        raw = raw.strip()
        if not raw:
            continue
        try:
            event = json.loads(raw)
        except ValueError:
            log_event({"type": "unparseable", "raw": raw[:512]})
            continue

        log_event(event)
        msg = event.get("msg") or {}
        etype = msg.get("type", "")

        if etype == "session_configured":
            turn.buffer = []
            turn.reasoning = []
            turn.notes = []
            set_status("AGENT_READY")
        elif etype == "agent_message_delta":
            turn.buffer.append(msg.get("delta", ""))
        elif etype == "agent_message":
            final = msg.get("message", "") or msg.get("text", "")
            write_response(turn.compose(final))
            turn.active = False
            set_status("WAITING_FOR_MESSAGE")
        elif etype == "task_started":
            turn.notes.append("[task started]")
            set_status("PROCESSING")
        elif etype == "task_complete":
            turn.notes.append("[task complete]")
            if not turn.active:
                set_status("WAITING_FOR_MESSAGE")
        elif etype.startswith("agent_reasoning"):
            text = msg.get("delta", "") or msg.get("text", "")
            turn.reasoning.append(text)
        elif etype == "token_count":
            usage = msg.get("info") or msg
            turn.notes.append("[tokens: %s in, %s out]" % (
                usage.get("input_tokens", "?"), usage.get("output_tokens", "?")))
        elif etype == "exec_approval_request":
            turn.notes.append("[approval requested]")
            set_status("PROCESSING")
        elif etype == "stream_error":
            write_response(turn.compose(msg.get("message", "stream error")))
            turn.active = False
            set_status("WAITING_FOR_MESSAGE")
        elif etype == "error":
            write_response(turn.compose(msg.get("message", "error")))
            turn.active = False
            set_status("FAILED")
        else:
            log_event({"type": "unknown_event", "event_type": etype})


def fifo_loop(proc, turn):
    """Read submissions from the FIFO, one line per turn."""
    while proc.poll() is None:
        try:
            with open(INCOMING, "r") as fifo:
                for line in fifo:
                    text = line.rstrip("\n")
                    if not text:
                        continue
                    submission = {
                        "id": "sub-" + str(uuid.uuid4()),
                        "op": {
                            "type": "user_input",
                            "items": [{"type": "text", "text": text}],
                        },
                    }
                    turn.reset()
                    write_response(PROCESSING_SENTINEL)
                    set_status("PROCESSING")
                    proc.stdin.write(json.dumps(submission) + "\n")
                    proc.stdin.flush()
        except OSError as exc:
            log_event({"type": "fifo_error", "error": str(exc)})
            time.sleep(0.5)


def main():
    setup_control_dir()
    set_status("INITIALIZING")
    materialize_credentials()
    materialize_config()

    proc = subprocess.Popen(
        shlex.split(ASSISTANT_CMD),
        stdin=subprocess.PIPE,
        stdout=subprocess.PIPE,
        stderr=subprocess.DEVNULL,
        text=True,
        bufsize=1,
    )
    log_event({"type": "assistant_started", "pid": proc.pid})

    turn = Turn()
    events = threading.Thread(target=event_loop, args=(proc, turn), daemon=True)
    events.start()
    reader = threading.Thread(target=fifo_loop, args=(proc, turn), daemon=True)
    reader.start()

    code = proc.wait()
    log_event({"type": "assistant_exited", "code": code})
    set_status("SHUTTING_DOWN" if code == 0 else "FAILED")
    return 0 if code == 0 else 1


if __name__ == "__main__":
    sys.exit(main())
`
