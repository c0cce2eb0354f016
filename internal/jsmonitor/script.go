package jsmonitor

import "strconv"

// Script returns the beacon snippet host pages embed to report errors to
// beaconURL. At most ten errors are sent per page view.
func Script(beaconURL string) string {
	return `(function(){
  var beaconUrl = ` + strconv.Quote(beaconURL) + `;
  var maxErrors = 10, sent = 0;
  function send(data) {
    if (sent >= maxErrors) return;
    sent++;
    data.page = location.href;
    data.timestamp = Date.now();
    var body = JSON.stringify(data);
    if (navigator.sendBeacon) {
      navigator.sendBeacon(beaconUrl, new Blob([body], {type: 'application/json'}));
    } else {
      fetch(beaconUrl, {method: 'POST', headers: {'Content-Type': 'application/json'}, body: body, keepalive: true}).catch(function(){});
    }
  }
  window.addEventListener('error', function(e) {
    send({type: 'error', message: e.message, source: e.filename, line: e.lineno, column: e.colno, stack: e.error ? e.error.stack : null});
  });
  window.addEventListener('unhandledrejection', function(e) {
    send({type: 'promise', message: e.reason ? (e.reason.message || String(e.reason)) : 'Promise rejected', stack: e.reason ? e.reason.stack : null});
  });
  var origError = console.error;
  console.error = function() {
    var msg = Array.prototype.slice.call(arguments).map(function(a) {
      return typeof a === 'object' ? JSON.stringify(a) : String(a);
    }).join(' ');
    if (msg.length > 10) send({type: 'console', message: msg.substring(0, 500)});
    origError.apply(console, arguments);
  };
})();`
}
